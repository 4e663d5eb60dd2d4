package attempts

import (
	"context"
	"strconv"
	"testing"
	"time"

	"badc0de.net/pkg/gotserv/ttesting"
)

func TestMemoryMissingIsZero(t *testing.T) {
	m := NewMemory()
	rec, err := m.Get(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	ttesting.AssertEqualInt(t, "logins", rec.LoginsAmount, 0)
	ttesting.AssertEqualBool(t, "last login zero", rec.LastLogin.IsZero(), true)
}

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	if err := m.Put(ctx, "10.0.0.1", Record{LoginsAmount: 3, LastLogin: now}); err != nil {
		t.Fatal(err)
	}
	rec, err := m.Get(ctx, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	ttesting.AssertEqualInt(t, "logins", rec.LoginsAmount, 3)
	ttesting.AssertEqualBool(t, "last login", rec.LastLogin.Equal(now), true)
	ttesting.AssertEqualInt(t, "records", m.Len(), 1)

	other, _ := m.Get(ctx, "10.0.0.2")
	ttesting.AssertEqualInt(t, "other ip logins", other.LoginsAmount, 0)
}

func TestRecordEncoding(t *testing.T) {
	last := time.UnixMilli(1700000000123)
	fields := encodeRecord(Record{LoginsAmount: 7, LastLogin: last})

	// HGETALL hands everything back as strings.
	strs := map[string]string{}
	for k, v := range fields {
		switch v := v.(type) {
		case int:
			strs[k] = strconv.FormatInt(int64(v), 10)
		case int64:
			strs[k] = strconv.FormatInt(v, 10)
		}
	}
	rec, err := decodeRecord(strs)
	if err != nil {
		t.Fatal(err)
	}
	ttesting.AssertEqualInt(t, "logins", rec.LoginsAmount, 7)
	ttesting.AssertEqualBool(t, "last login", rec.LastLogin.Equal(last), true)
}

func TestDecodeEmptyRecord(t *testing.T) {
	rec, err := decodeRecord(map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	ttesting.AssertEqualInt(t, "logins", rec.LoginsAmount, 0)
	ttesting.AssertEqualBool(t, "last login zero", rec.LastLogin.IsZero(), true)
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := decodeRecord(map[string]string{"logins": "many"}); err == nil {
		t.Error("garbage logins accepted")
	}
}
