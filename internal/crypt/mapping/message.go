package mapping

import "fmt"

// ErrNotSuspended is returned by key-manipulation messages that require
// the mapping to be suspended first.
var ErrNotSuspended = fmt.Errorf("mapping: must be suspended first")

// ErrKeyInvalid is returned by Resume when no valid key has been
// installed (dm's preresume check).
var ErrKeyInvalid = fmt.Errorf("mapping: key is not valid")

// Suspend stops accepting new I/O (ReadAt/WriteAt both fail with
// ErrSuspended) and gates key-manipulation messages open.
func (m *Mapping) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags |= FlagSuspended
	m.log.Info("mapping suspended", "device", m.cfg.DeviceName)
}

// Resume clears the suspended flag, refusing if the key is not currently
// valid — mirroring dm's target_type.preresume failing a resume that
// would otherwise start serving I/O through an unkeyed mapping.
func (m *Mapping) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.flags.has(FlagKeyValid) {
		return ErrKeyInvalid
	}
	m.flags &^= FlagSuspended
	m.log.Info("mapping resumed", "device", m.cfg.DeviceName)
	return nil
}

// SetKey installs a new key from keyToken (key-token forms),
// re-running the key lifecycle against the mapping's existing cipher
// engines and IV generator. Requires the mapping to be suspended.
func (m *Mapping) SetKey(keyToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.flags.has(FlagSuspended) {
		return ErrNotSuspended
	}

	cfg := *m.cfg
	cfg.KeyToken = keyToken
	key, err := resolveKey(&cfg)
	if err != nil {
		return err
	}
	if !key.Valid() {
		return fmt.Errorf("mapping: key set requires a real key, not %q", keyToken)
	}

	for _, e := range m.engines {
		e.Wipe()
	}
	trueAEAD := m.flags.has(FlagIntegrityAEAD)
	integrity, err := installKey(&cfg, m.spec, key, m.engines, m.ivGen, m.keyExtra, m.keyParts, m.authenc, trueAEAD)
	if err != nil {
		return err
	}

	if m.key != nil {
		m.key.Wipe()
	}
	m.key = key
	m.integrity = integrity
	m.converter.Integrity = integrity
	m.flags |= FlagKeyValid
	m.log.Info("mapping key installed", "device", m.cfg.DeviceName)
	return nil
}

// WipeKey invalidates the installed key and every engine's key schedule
// without releasing them, mirroring dm-crypt's crypt_wipe. Requires the
// mapping to be suspended.
func (m *Mapping) WipeKey() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.flags.has(FlagSuspended) {
		return ErrNotSuspended
	}
	if m.key != nil {
		m.key.Wipe()
	}
	for _, e := range m.engines {
		e.Wipe()
	}
	if wiper, ok := m.ivGen.(interface{ Wipe() error }); ok {
		_ = wiper.Wipe()
	}
	m.flags &^= FlagKeyValid
	m.log.Info("mapping key wiped", "device", m.cfg.DeviceName)
	return nil
}
