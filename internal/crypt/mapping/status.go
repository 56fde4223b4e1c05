package mapping

import (
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-ublk/internal/crypt/cipher"
	"github.com/ehrlich-b/go-ublk/internal/crypt/keyring"
	"github.com/ehrlich-b/go-ublk/internal/interfaces"
)

// Status renders the mapping's current configuration in the same
// positional-plus-feature-list shape ParseLine consumes: it
// round-trips through ParseLine modulo the key token, which Status never
// reveals in the clear for an inline-hex key.
func (m *Mapping) Status() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keyField := "-"
	if m.flags.has(FlagKeyValid) {
		if ref, ok, _ := cipher.ParseKeyringRef(m.cfg.KeyToken); ok {
			keyField = fmt.Sprintf(":%d:%s:%s", ref.Size, ref.Type, ref.Description)
		} else {
			keyField = strings.Repeat("0", m.key.Size()*2)
		}
	}

	var features []string
	if m.flags.has(FlagAllowDiscards) {
		features = append(features, "allow_discards")
	}
	if m.flags.has(FlagSameCPU) {
		features = append(features, "same_cpu_crypt")
	}
	if m.flags.has(FlagNoOffload) {
		features = append(features, "submit_from_crypt_cpus")
	}
	if m.flags.has(FlagIVLargeSectors) {
		features = append(features, "iv_large_sectors")
	}
	if m.sectorSize != 512 {
		features = append(features, fmt.Sprintf("sector_size:%d", m.sectorSize))
	}
	if m.recordSize > 0 {
		profile := m.cfg.IntegrityProfile
		if profile == "" {
			profile = "none"
		}
		features = append(features, fmt.Sprintf("integrity:%d:%s", m.tagSize, profile))
	}

	line := fmt.Sprintf("%s %s %d %s %d", m.spec.Raw, keyField, m.ivOffset, m.cfg.DeviceName, m.start/physSectorSize)
	if len(features) > 0 {
		line += " " + fmt.Sprintf("%d %s", len(features), strings.Join(features, " "))
	}
	return line
}

// ParseStatus is the inverse of Status: it decodes a status line back into
// a Config using the same field layout ParseLine consumes, since Status
// emits exactly that layout. The round trip never recovers an inline-hex
// key's original material — Status replaces it with zero bytes of the
// same length — so a Config built this way is only fit for re-deriving
// positional fields and features, not for reopening the mapping with its
// original key.
func ParseStatus(line string, underlying, metadata interfaces.Backend, kr keyring.Source) (*Config, error) {
	return ParseLine(line, underlying, metadata, kr)
}

// StatusFlags renders the condensed run-state letters dm-crypt reports
// alongside its table line in dmsetup status: suspended/running and
// key-valid.
func (m *Mapping) StatusFlags() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sb strings.Builder
	if m.flags.has(FlagSuspended) {
		sb.WriteByte('S')
	} else {
		sb.WriteByte('R')
	}
	if m.flags.has(FlagKeyValid) {
		sb.WriteByte('K')
	} else {
		sb.WriteByte('-')
	}
	return sb.String()
}
