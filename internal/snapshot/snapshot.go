// Package snapshot stores a tag dump together with the tag identity it was read from.
//
// A snapshot is a CBOR map with integer keys. Unlike a raw dump it records the tag profile,
// so loading it with the wrong tag type fails instead of silently truncating.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/SimplyPrint/srix-agent/internal/core"
)

// Extension marks snapshot files. Any other file is treated as a raw dump.
const Extension = ".srixs"

const formatVersion = 1

// ErrUnsupportedVersion is returned for snapshots written by a newer agent.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// tagNamespace derives stable tag IDs from UIDs: uuid5(tagNamespace, raw uid).
var tagNamespace = uuid.MustParse("9f0b6c1e-3a4d-5e2f-8b71-2c5d4e6f7a80")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder: %v", err))
	}

	decMode, err = cbor.DecOptions{
		IntDec:            cbor.IntDecConvertSigned,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
}

// Snapshot is an EEPROM image plus the identity of the tag it came from.
type Snapshot struct {
	ID          uuid.UUID
	TagID       uuid.UUID // Derived from UID, uuid.Nil when the UID is unknown
	CreatedAt   time.Time
	UID         []byte     // Raw GET_UID response, may be empty
	SystemBlock core.Block // Zero when not recorded
	HasSystem   bool
	Image       *core.Image
	Note        string
}

type wireSnapshot struct {
	Version     uint   `cbor:"0,keyasint"`
	ID          []byte `cbor:"1,keyasint"`
	Profile     string `cbor:"2,keyasint"`
	CreatedAt   int64  `cbor:"3,keyasint"`
	UID         []byte `cbor:"4,keyasint,omitempty"`
	SystemBlock []byte `cbor:"5,keyasint,omitempty"`
	Image       []byte `cbor:"6,keyasint"`
	Note        string `cbor:"7,keyasint,omitempty"`
}

// New creates a snapshot of img. uid and system may be nil.
func New(img *core.Image, uid []byte, system *core.Block) *Snapshot {
	s := &Snapshot{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Image:     img.Clone(),
	}
	if len(uid) > 0 {
		s.UID = append([]byte(nil), uid...)
		s.TagID = TagID(uid)
	}
	if system != nil {
		s.SystemBlock = *system
		s.HasSystem = true
	}
	return s
}

// TagID returns the stable identifier of the tag with the given raw UID.
func TagID(uid []byte) uuid.UUID {
	return uuid.NewSHA1(tagNamespace, uid)
}

// Profile returns the tag profile of the stored image.
func (s *Snapshot) Profile() core.TagProfile {
	return s.Image.Profile()
}

// Encode serializes the snapshot.
func (s *Snapshot) Encode() ([]byte, error) {
	if s.Image == nil {
		return nil, fmt.Errorf("snapshot has no image")
	}
	w := wireSnapshot{
		Version:   formatVersion,
		ID:        s.ID[:],
		Profile:   s.Image.Profile().Name,
		CreatedAt: s.CreatedAt.Unix(),
		UID:       s.UID,
		Image:     s.Image.Bytes(),
		Note:      s.Note,
	}
	if s.HasSystem {
		w.SystemBlock = s.SystemBlock[:]
	}
	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses an encoded snapshot. The image must match its profile size exactly.
func Decode(data []byte) (*Snapshot, error) {
	var w wireSnapshot
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if w.Version != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, w.Version)
	}

	id, err := uuid.FromBytes(w.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot id: %w", err)
	}
	profile, err := core.ProfileByName(w.Profile)
	if err != nil {
		return nil, err
	}
	if len(w.Image) != profile.EEPROMSize {
		return nil, &core.SizeMismatchError{Expected: profile.EEPROMSize, Actual: len(w.Image)}
	}
	img, err := core.LoadImage(w.Image, profile)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		ID:        id,
		CreatedAt: time.Unix(w.CreatedAt, 0).UTC(),
		Image:     img,
		Note:      w.Note,
	}
	if len(w.UID) > 0 {
		s.UID = w.UID
		s.TagID = TagID(w.UID)
	}
	if len(w.SystemBlock) > 0 {
		if len(w.SystemBlock) != core.BlockSize {
			return nil, &core.ShortBlockReadError{Address: core.SystemBlockAddress, Got: len(w.SystemBlock)}
		}
		copy(s.SystemBlock[:], w.SystemBlock)
		s.HasSystem = true
	}
	return s, nil
}

// Save writes the snapshot to path.
func (s *Snapshot) Save(path string) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write snapshot %q: %w", path, err)
	}
	return nil
}

// Load reads a snapshot file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %q: %w", path, err)
	}
	s, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", path, err)
	}
	return s, nil
}

// IsSnapshotPath reports whether path names a snapshot rather than a raw dump.
func IsSnapshotPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// LoadImage reads path as a snapshot or a raw dump, depending on its extension. A snapshot of
// a different tag type than profile is rejected.
func LoadImage(path string, profile core.TagProfile) (*core.Image, error) {
	if !IsSnapshotPath(path) {
		return core.LoadImageFile(path, profile)
	}
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	if s.Profile() != profile {
		return nil, &core.ProfileMismatchError{Current: profile, Desired: s.Profile()}
	}
	return s.Image, nil
}
