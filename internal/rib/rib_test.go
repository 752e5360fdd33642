package rib

import (
	"testing"
	"time"
)

func testKey(addr byte) Key {
	var a [16]byte
	a[0] = addr
	return Key{AFI: 1, SAFI: 1, Addr: a, Length: 24}
}

func TestNewAnnounceThenDuplicate(t *testing.T) {
	tbl := New(DefaultOptions())
	k := testKey(10)
	canon := []byte("attrs-v1")
	fields := AttrFields{ASPathBytes: []byte{1}}

	res, err := tbl.ApplyAnnounce(k, canon, fields, time.Now())
	if err != nil {
		t.Fatalf("ApplyAnnounce: %v", err)
	}
	if res != AnnounceNew {
		t.Fatalf("first announce result = %v, want AnnounceNew", res)
	}

	entry, ok := tbl.Lookup(k)
	if !ok {
		t.Fatal("expected prefix entry to exist")
	}
	if tbl.RefCount(entry.Attr) != 1 {
		t.Fatalf("refcount = %d, want 1", tbl.RefCount(entry.Attr))
	}

	res, err = tbl.ApplyAnnounce(k, canon, fields, time.Now())
	if err != nil {
		t.Fatalf("ApplyAnnounce dup: %v", err)
	}
	if res != AnnounceDuplicate {
		t.Fatalf("second announce result = %v, want AnnounceDuplicate", res)
	}
	if tbl.RefCount(entry.Attr) != 1 {
		t.Fatalf("refcount after duplicate = %d, want unchanged 1", tbl.RefCount(entry.Attr))
	}
}

func TestDifferentPathThenSamePath(t *testing.T) {
	tbl := New(DefaultOptions())
	k := testKey(20)

	if _, err := tbl.ApplyAnnounce(k, []byte("path-a"), AttrFields{ASPathBytes: []byte{1}}, time.Now()); err != nil {
		t.Fatal(err)
	}
	res, err := tbl.ApplyAnnounce(k, []byte("path-b"), AttrFields{ASPathBytes: []byte{2}}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res != AnnounceDifferentPath {
		t.Fatalf("result = %v, want AnnounceDifferentPath", res)
	}

	res, err = tbl.ApplyAnnounce(k, []byte("path-c"), AttrFields{ASPathBytes: []byte{2}}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res != AnnounceSamePath {
		t.Fatalf("result = %v, want AnnounceSamePath", res)
	}
}

func TestWithdrawThenDuplicateWithdraw(t *testing.T) {
	tbl := New(DefaultOptions())
	k := testKey(30)

	if _, err := tbl.ApplyAnnounce(k, []byte("attrs"), AttrFields{}, time.Now()); err != nil {
		t.Fatal(err)
	}
	res, err := tbl.ApplyWithdraw(k, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res != WithdrawApplied {
		t.Fatalf("first withdraw = %v, want WithdrawApplied", res)
	}

	res, err = tbl.ApplyWithdraw(k, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res != WithdrawDuplicate {
		t.Fatalf("second withdraw = %v, want WithdrawDuplicate", res)
	}
}

func TestWithdrawUnknownPrefixIsDuplicate(t *testing.T) {
	tbl := New(DefaultOptions())
	res, err := tbl.ApplyWithdraw(testKey(40), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res != WithdrawDuplicate {
		t.Fatalf("withdraw of unknown prefix = %v, want WithdrawDuplicate", res)
	}
}

func TestDestroyClearsTables(t *testing.T) {
	tbl := New(DefaultOptions())
	k := testKey(50)
	if _, err := tbl.ApplyAnnounce(k, []byte("x"), AttrFields{}, time.Now()); err != nil {
		t.Fatal(err)
	}
	tbl.Destroy()
	if _, ok := tbl.Lookup(k); ok {
		t.Fatal("expected prefix table to be empty after Destroy")
	}
}

func TestOccupancy_TracksLiveEntriesAcrossAnnounceAndWithdraw(t *testing.T) {
	tbl := New(DefaultOptions())
	if total, _ := tbl.Occupancy(); total != 0 {
		t.Fatalf("initial total = %d, want 0", total)
	}

	if _, err := tbl.ApplyAnnounce(testKey(1), []byte("a"), AttrFields{}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.ApplyAnnounce(testKey(2), []byte("b"), AttrFields{}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if total, _ := tbl.Occupancy(); total != 2 {
		t.Fatalf("total after 2 announces = %d, want 2", total)
	}

	if _, err := tbl.ApplyWithdraw(testKey(1), time.Now()); err != nil {
		t.Fatal(err)
	}
	if total, _ := tbl.Occupancy(); total != 2 {
		t.Fatalf("total after withdraw (entry lingers) = %d, want 2", total)
	}
}

func TestAttrRefCounts_ReflectsLiveHandles(t *testing.T) {
	tbl := New(DefaultOptions())
	if counts := tbl.AttrRefCounts(); len(counts) != 0 {
		t.Fatalf("expected no attribute handles on an empty table, got %v", counts)
	}

	if _, err := tbl.ApplyAnnounce(testKey(1), []byte("shared"), AttrFields{}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.ApplyAnnounce(testKey(2), []byte("shared"), AttrFields{}, time.Now()); err != nil {
		t.Fatal(err)
	}

	counts := tbl.AttrRefCounts()
	if len(counts) != 1 {
		t.Fatalf("expected 1 deduplicated attribute handle, got %d", len(counts))
	}
	if counts[0] != 2 {
		t.Fatalf("refcount = %d, want 2 (shared by two prefixes)", counts[0])
	}
}

func TestBucketOverflowRefused(t *testing.T) {
	tbl := New(Options{BucketCount: 1, MaxCollisionLen: 2})
	for i := byte(0); i < 2; i++ {
		if _, err := tbl.ApplyAnnounce(testKey(i), []byte{i}, AttrFields{}, time.Now()); err != nil {
			t.Fatalf("announce %d: %v", i, err)
		}
	}
	if _, err := tbl.ApplyAnnounce(testKey(99), []byte{99}, AttrFields{}, time.Now()); err == nil {
		t.Fatal("expected ErrBucketOverflow on third distinct prefix in a 1-bucket, 2-collision table")
	}
}
