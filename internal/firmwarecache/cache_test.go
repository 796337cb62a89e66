package firmwarecache

import (
	"hash/crc32"
	"path/filepath"
	"testing"

	"github.com/swarmit/testbed-controller/internal/apperr"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	c := openTestCache(t)

	image := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03}
	entry, err := c.Put("nrf52840dk", "1.2.0", image)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if entry.Size != len(image) {
		t.Fatalf("expected size %d, got %d", len(image), entry.Size)
	}
	if entry.CRC32 != crc32.ChecksumIEEE(image) {
		t.Fatalf("expected crc32 %08x, got %08x", crc32.ChecksumIEEE(image), entry.CRC32)
	}

	got, gotEntry, err := c.Get("nrf52840dk", "1.2.0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(image) {
		t.Fatalf("round-tripped firmware mismatch: got %x want %x", got, image)
	}
	if gotEntry.SHA256 != entry.SHA256 {
		t.Fatalf("sha256 mismatch between Put and Get")
	}
	if gotEntry.CRC32 != entry.CRC32 {
		t.Fatalf("crc32 mismatch between Put and Get")
	}
}

func TestPutOverwritesSameKey(t *testing.T) {
	c := openTestCache(t)

	if _, err := c.Put("nrf52840dk", "1.0.0", []byte{0x01}); err != nil {
		t.Fatalf("Put first: %v", err)
	}
	if _, err := c.Put("nrf52840dk", "1.0.0", []byte{0x02, 0x03}); err != nil {
		t.Fatalf("Put second: %v", err)
	}

	got, _, err := c.Get("nrf52840dk", "1.0.0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 2 || got[0] != 0x02 || got[1] != 0x03 {
		t.Fatalf("expected overwritten firmware, got %x", got)
	}
}

func TestGetUnknownKeyIsInvalidArgument(t *testing.T) {
	c := openTestCache(t)

	_, _, err := c.Get("nrf52840dk", "9.9.9")
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected KindInvalidArgument, got %v", err)
	}
}

func TestPutRejectsEmptyFirmware(t *testing.T) {
	c := openTestCache(t)

	_, err := c.Put("nrf52840dk", "1.0.0", nil)
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected KindInvalidArgument for empty firmware, got %v", err)
	}
}

func TestListReturnsAllAndDelete(t *testing.T) {
	c := openTestCache(t)

	if _, err := c.Put("nrf52840dk", "1.0.0", []byte{0x01}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := c.Put("nrf52840dk", "1.1.0", []byte{0x02}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	if err := c.Delete("nrf52840dk", "1.0.0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	entries, err = c.List()
	if err != nil {
		t.Fatalf("List after delete: %v", err)
	}
	if len(entries) != 1 || entries[0].Version != "1.1.0" {
		t.Fatalf("expected only 1.1.0 to remain, got %+v", entries)
	}
}
