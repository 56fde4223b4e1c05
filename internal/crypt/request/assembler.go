package request

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/go-ublk/internal/crypt/iv"
)

// Meta is the per-sector slice of the sideband integrity-metadata buffer:
// [auth_tag (integrity_tag_size) | iv (integrity_iv_size) | reserved zeros].
type Meta struct {
	Tag []byte
	IV  []byte
}

// Assembler builds one sector's Request: the IV, AAD, and engine index a
// cipher Engine needs to process it. One Assembler is owned by a mapping
// and reused across every sector of every I/O the mapping serves; it is
// immutable except for the IV generator's own internal state (which is
// itself guarded by the mapping's suspend discipline).
type Assembler struct {
	SectorSize      int
	IVSize          int
	SectorShift     uint // > 0 when IV_LARGE_SECTORS is set
	AEAD            bool
	TagSize         int // integrity_tag_size
	IntegrityIVSize int // integrity_iv_size; > 0 means random-mode IVs round-trip via Meta.IV
	TfmsCount       int // power of two engine count

	Gen iv.Generator
}

// Assemble fills req for logicalSector's data, selecting the engine index,
// generating (or, for random-mode reads, recovering) the IV, and wiring
// the AEAD AAD/tag fields. write indicates the I/O direction.
func (a *Assembler) Assemble(req *Request, logicalSector uint64, data []byte, meta Meta, write bool) error {
	if len(data) != a.SectorSize {
		return fmt.Errorf("request: sector data length %d != sector_size %d", len(data), a.SectorSize)
	}

	req.Sector = logicalSector
	req.EngineIndex = int(logicalSector & uint64(a.TfmsCount-1))
	req.IVSector = logicalSector >> a.SectorShift
	req.Data = data
	req.AEAD = a.AEAD
	binary.LittleEndian.PutUint64(req.SectorLE[:], logicalSector)

	needsMeta := false
	if needer, ok := a.Gen.(iv.NeedsIVFromMetadata); ok {
		needsMeta = needer.NeedsIVFromMetadata()
	}

	switch {
	case !write && needsMeta:
		if len(meta.IV) < a.IVSize {
			return fmt.Errorf("request: integrity metadata IV too short for random mode (%d < %d)", len(meta.IV), a.IVSize)
		}
		copy(req.IV, meta.IV[:a.IVSize])
	default:
		if a.Gen == nil {
			return fmt.Errorf("request: no IV generator configured")
		}
		if err := a.Gen.Generate(req.IV, iv.Request{
			Sector:     req.IVSector,
			SectorSize: a.SectorSize,
			Data:       data,
			Write:      write,
		}); err != nil {
			return fmt.Errorf("request: iv generate: %w", err)
		}
		if write && a.IntegrityIVSize > 0 {
			if len(meta.IV) < a.IVSize {
				return fmt.Errorf("request: integrity metadata IV slot too short (%d < %d)", len(meta.IV), a.IVSize)
			}
			copy(meta.IV, req.IV[:a.IVSize])
		}
	}

	if a.AEAD {
		copy(req.OrgIV, req.IV)
		if len(meta.Tag) < a.TagSize {
			return fmt.Errorf("request: integrity tag slot too short (%d < %d)", len(meta.Tag), a.TagSize)
		}
		req.Tag = meta.Tag[:a.TagSize]
	} else if a.TagSize > 0 {
		// non-AEAD integrity profile (hmac): still needs a tag slot, no AAD.
		if len(meta.Tag) < a.TagSize {
			return fmt.Errorf("request: integrity tag slot too short (%d < %d)", len(meta.Tag), a.TagSize)
		}
		req.Tag = meta.Tag[:a.TagSize]
	}

	return nil
}

// PostIV runs the IV generator's Post hook (lmk's plaintext tweak, tcw's
// ciphertext whitening) if the mode implements it. Called by the converter
// after the cipher engine's completion.
func (a *Assembler) PostIV(req *Request, write bool) error {
	poster, ok := a.Gen.(iv.Poster)
	if !ok {
		return nil
	}
	return poster.Post(req.IV, iv.Request{
		Sector:     req.IVSector,
		SectorSize: a.SectorSize,
		Data:       req.Data,
		Write:      write,
	})
}
