// Package tenant routes a room to its physically isolated SQLite partition
// and keeps a bounded pool of open partition handles.
package tenant

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/noah-isme/roomchat-api/internal/apperror"
)

const partitionExtension = ".sqlite"

var safeCode = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Room identifies the tenant whose partition is being resolved.
type Room struct {
	ID        uint64
	Code      string
	CreatedAt time.Time
}

// Validate fails fast when an identifier required for address derivation is missing.
func (r Room) Validate() error {
	if r.ID == 0 {
		return apperror.InvalidArgument("room id is required")
	}
	if strings.TrimSpace(r.Code) == "" {
		return apperror.InvalidArgument("room code is required")
	}
	if r.CreatedAt.IsZero() {
		return apperror.InvalidArgument("room creation time is required")
	}
	return nil
}

// Address is the deterministic location of a room partition.
type Address struct {
	Dir  string
	File string
}

// Path returns the full file path of the partition.
func (a Address) Path() string {
	return filepath.Join(a.Dir, a.File)
}

// AddressFor derives the partition address of a room below root.
//
// The layout is <h[0:2]>/<h[2:3]>/<h[3:5]>/YYYY/MM/DD/<code>.sqlite where h is
// the hex MD5 of the room code and the date is the room's UTC creation day.
// Codes that are not filesystem safe use the full hash as file name.
func AddressFor(root string, room Room) (Address, error) {
	if err := room.Validate(); err != nil {
		return Address{}, err
	}

	sum := md5.Sum([]byte(room.Code))
	hash := hex.EncodeToString(sum[:])
	created := room.CreatedAt.UTC()

	dir := filepath.Join(
		root,
		hash[0:2],
		hash[2:3],
		hash[3:5],
		fmt.Sprintf("%04d", created.Year()),
		fmt.Sprintf("%02d", int(created.Month())),
		fmt.Sprintf("%02d", created.Day()),
	)

	name := room.Code
	if !safeCode.MatchString(name) {
		name = hash
	}

	return Address{Dir: dir, File: name + partitionExtension}, nil
}
