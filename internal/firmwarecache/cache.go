// Package firmwarecache implements the firmware cache catalog (C9): a
// local SQLite-backed store of firmware images keyed by device type and
// semantic version, so an operator can upload_firmware by name instead of
// re-supplying a file path every time. This is explicitly NOT persistent
// device history (spec.md Non-goals exclude that) — it stores firmware
// blobs and their metadata only. Grounded in the teacher's
// internal/storage/database.go Open/migrate idiom and mattn/go-sqlite3
// driver registration.
package firmwarecache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/swarmit/testbed-controller/internal/apperr"
)

// Entry describes one cached firmware image. CRC32 is a fast secondary
// integrity check alongside SHA256, computed in the same pass over the
// firmware bytes (teacher idiom: internal/ota/manager.go hashed incoming
// firmware with both algorithms via io.MultiWriter so a quick CRC compare
// could short-circuit a full SHA recompute on cache hits).
type Entry struct {
	DeviceType string
	Version    string
	SHA256     [32]byte
	CRC32      uint32
	Size       int
	UploadedAt time.Time
}

// sumFirmware computes SHA256 and CRC32 of firmware in one pass.
func sumFirmware(firmware []byte) (sha [32]byte, crc uint32) {
	sha256Hash := sha256.New()
	crc32Hash := crc32.NewIEEE()
	io.MultiWriter(sha256Hash, crc32Hash).Write(firmware)
	copy(sha[:], sha256Hash.Sum(nil))
	crc = crc32Hash.Sum32()
	return sha, crc
}

// decodeSHA256 parses the hex-encoded sha256 column back into a fixed-size
// digest.
func decodeSHA256(hexDigest string) ([32]byte, error) {
	var sum [32]byte
	decoded, err := hex.DecodeString(hexDigest)
	if err != nil {
		return sum, err
	}
	if len(decoded) != len(sum) {
		return sum, fmt.Errorf("expected %d bytes, got %d", len(sum), len(decoded))
	}
	copy(sum[:], decoded)
	return sum, nil
}

// Cache wraps a SQLite database holding firmware blobs.
type Cache struct {
	conn *sql.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Cache, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, apperr.New(apperr.KindFatal, "firmwarecache.Open", fmt.Errorf("open database: %w", err))
	}

	c := &Cache{conn: conn}
	if err := c.migrate(); err != nil {
		conn.Close()
		return nil, apperr.New(apperr.KindFatal, "firmwarecache.Open", fmt.Errorf("migrate: %w", err))
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error { return c.conn.Close() }

func (c *Cache) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS firmware_images (
		device_type TEXT NOT NULL,
		version TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		crc32 INTEGER NOT NULL,
		size INTEGER NOT NULL,
		data BLOB NOT NULL,
		uploaded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (device_type, version)
	);
	CREATE INDEX IF NOT EXISTS idx_firmware_images_uploaded ON firmware_images(uploaded_at);
	`
	_, err := c.conn.Exec(schema)
	return err
}

// Put stores firmware under (deviceType, version), overwriting any
// existing entry with the same key.
func (c *Cache) Put(deviceType, version string, firmware []byte) (Entry, error) {
	if len(firmware) == 0 {
		return Entry{}, apperr.Invalid("firmwarecache.Put", "firmware must not be empty")
	}
	sum, crc := sumFirmware(firmware)

	query := `INSERT INTO firmware_images (device_type, version, sha256, crc32, size, data, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_type, version) DO UPDATE SET
			sha256 = excluded.sha256, crc32 = excluded.crc32, size = excluded.size,
			data = excluded.data, uploaded_at = excluded.uploaded_at`

	now := time.Now()
	if _, err := c.conn.Exec(query, deviceType, version, fmt.Sprintf("%x", sum), crc, len(firmware), firmware, now); err != nil {
		return Entry{}, apperr.New(apperr.KindFatal, "firmwarecache.Put", err)
	}
	return Entry{DeviceType: deviceType, Version: version, SHA256: sum, CRC32: crc, Size: len(firmware), UploadedAt: now}, nil
}

// Get retrieves the firmware bytes and metadata for (deviceType, version).
func (c *Cache) Get(deviceType, version string) ([]byte, Entry, error) {
	query := `SELECT sha256, crc32, size, data, uploaded_at FROM firmware_images WHERE device_type = ? AND version = ?`

	var shaHex string
	var crc uint32
	var size int
	var data []byte
	var uploadedAt time.Time
	err := c.conn.QueryRow(query, deviceType, version).Scan(&shaHex, &crc, &size, &data, &uploadedAt)
	if err == sql.ErrNoRows {
		return nil, Entry{}, apperr.New(apperr.KindInvalidArgument, "firmwarecache.Get",
			fmt.Errorf("no cached firmware for device_type=%s version=%s", deviceType, version))
	}
	if err != nil {
		return nil, Entry{}, apperr.New(apperr.KindFatal, "firmwarecache.Get", err)
	}

	sum, err := decodeSHA256(shaHex)
	if err != nil {
		return nil, Entry{}, apperr.New(apperr.KindFatal, "firmwarecache.Get", fmt.Errorf("corrupt sha256 column: %w", err))
	}

	return data, Entry{DeviceType: deviceType, Version: version, SHA256: sum, CRC32: crc, Size: size, UploadedAt: uploadedAt}, nil
}

// List returns metadata for every cached firmware image, most recently
// uploaded first.
func (c *Cache) List() ([]Entry, error) {
	query := `SELECT device_type, version, sha256, crc32, size, uploaded_at FROM firmware_images ORDER BY uploaded_at DESC`
	rows, err := c.conn.Query(query)
	if err != nil {
		return nil, apperr.New(apperr.KindFatal, "firmwarecache.List", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var shaHex string
		if err := rows.Scan(&e.DeviceType, &e.Version, &shaHex, &e.CRC32, &e.Size, &e.UploadedAt); err != nil {
			return nil, apperr.New(apperr.KindFatal, "firmwarecache.List", err)
		}
		sum, err := decodeSHA256(shaHex)
		if err != nil {
			return nil, apperr.New(apperr.KindFatal, "firmwarecache.List", fmt.Errorf("corrupt sha256 column: %w", err))
		}
		e.SHA256 = sum
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the cached firmware under (deviceType, version), if any.
func (c *Cache) Delete(deviceType, version string) error {
	_, err := c.conn.Exec(`DELETE FROM firmware_images WHERE device_type = ? AND version = ?`, deviceType, version)
	if err != nil {
		return apperr.New(apperr.KindFatal, "firmwarecache.Delete", err)
	}
	return nil
}
