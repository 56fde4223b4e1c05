package mapping

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ehrlich-b/go-ublk/internal/crypt/bufpool"
	"github.com/ehrlich-b/go-ublk/internal/crypt/cipher"
	"github.com/ehrlich-b/go-ublk/internal/crypt/convert"
	"github.com/ehrlich-b/go-ublk/internal/crypt/iv"
	"github.com/ehrlich-b/go-ublk/internal/crypt/request"
	"github.com/ehrlich-b/go-ublk/internal/crypt/sequencer"
	"github.com/ehrlich-b/go-ublk/internal/interfaces"
	"github.com/ehrlich-b/go-ublk/internal/logging"
)

// integrityWarnInterval rate-limits the integrity-mismatch log line so a
// host under active attack (or with a genuinely corrupt device) doesn't
// flood the log one line per sector.
const integrityWarnInterval = 5 * time.Second

// ErrSuspended is returned by ReadAt/WriteAt while the mapping is
// suspended (I/O is rejected, not queued, while suspended).
var ErrSuspended = errors.New("mapping: suspended")

// ErrUnaligned is returned when an I/O's offset or length is not a
// multiple of the mapping's sector size.
var ErrUnaligned = errors.New("mapping: offset/length not sector-aligned")

// ErrKeyNotInstalled is returned by ReadAt/WriteAt when the mapping was
// constructed with a deferred ("-") key token and no "key set" message has
// installed a real key yet.
var ErrKeyNotInstalled = errors.New("mapping: no key installed")

const physSectorSize = 512 // dm table Start is always counted in 512-byte units, independent of sector_size

// Mapping is the constructed, running dm-crypt-style target: the data
// model (key, engines, IV generator, assembler, converter, sequencer,
// page pool) plus the Backend surface that lets it sit directly in an
// I/O path in place of the device it wraps.
//
// Backend.ReadAt/WriteAt are synchronous, but the converter they drive is
// built around asynchronous cipher engines. Rather than duplicate the
// kernel's own I/O-pool concurrency here, ReadAt/WriteAt each block on a
// completion channel until their Converter.Run call finishes; cryptSem
// bounds how many such conversions run at once, standing in for the
// kernel's per-CPU crypt workqueues.
type Mapping struct {
	underlying interfaces.Backend
	metadata   interfaces.Backend

	spec       *cipher.Spec
	start      uint64 // physical start offset, in bytes (cfg.Start 512-byte units times physSectorSize)
	ivOffset   uint64
	sectorSize int
	size       int64

	mu    sync.RWMutex
	flags Flags

	cfg      *Config
	key      *cipher.Key
	keyParts int
	keyExtra int
	authenc  bool
	engines  convert.Engines
	ivGen    iv.Generator

	assembler *request.Assembler
	reqPool   *request.Pool
	converter *convert.Converter
	integrity cipher.IntegrityProfile

	tagSize       int
	integrityIVSz int
	recordSize    int // per-sector metadata record size; 0 when no sideband channel

	pages    *bufpool.Pool
	seq      *sequencer.Sequencer
	cryptSem chan struct{}

	log               *logging.Logger
	warnMu            sync.Mutex
	lastIntegrityWarn time.Time
}

// newMapping wires the pieces New (construct.go) has already built into a
// running Mapping: the assembler, converter, page pool, and sequencer.
func newMapping(cfg *Config, spec *cipher.Spec, sectorSize int, key *cipher.Key, engines []cipher.Engine, gen iv.Generator, integrity cipher.IntegrityProfile, trueAEAD bool, engineCount, keyExtra int, authenc bool) (*Mapping, error) {
	ivSize := ivSizeForSpec(spec)

	sectorShift := uint(0)
	if cfg.IVLargeSectors {
		for s := sectorSize / physSectorSize; s > 1; s >>= 1 {
			sectorShift++
		}
	}

	integrityIVSz := 0
	if needer, ok := gen.(iv.NeedsIVFromMetadata); ok && needer.NeedsIVFromMetadata() {
		integrityIVSz = ivSize
	}

	tagSize := 0
	switch {
	case trueAEAD && key.Valid() && len(engines) > 0:
		// TagSize() only reads the keyed AEAD instance's Overhead(); safe
		// once installKey has run, unsafe before (deferred "-" key token).
		tagSize = engines[0].TagSize()
	case trueAEAD:
		tagSize = cfg.IntegrityTagBytes
	case integrity != nil:
		tagSize = cfg.IntegrityTagBytes
	}

	assembler := &request.Assembler{
		SectorSize:      sectorSize,
		IVSize:          ivSize,
		SectorShift:     sectorShift,
		AEAD:            trueAEAD,
		TagSize:         tagSize,
		IntegrityIVSize: integrityIVSz,
		TfmsCount:       engineCount,
		Gen:             gen,
	}

	reqPool := request.NewPool(ivSize)
	converter := &convert.Converter{
		Assembler: assembler,
		Engines:   convert.Engines(engines),
		Integrity: integrity,
		Pool:      reqPool,
	}

	pages := bufpool.New(bufpool.SizeForShare(bufpool.TotalPages(), 1))

	semWidth := runtime.NumCPU()
	if cfg.SameCPUCrypt {
		semWidth = 1
	}

	size := cfg.Underlying.Size() - int64(cfg.Start)*physSectorSize
	if size < 0 {
		size = 0
	}

	flags := Flags(0)
	if key.Valid() {
		flags |= FlagKeyValid
	}
	if cfg.SameCPUCrypt {
		flags |= FlagSameCPU
	}
	if cfg.SubmitFromCryptCPUs {
		flags |= FlagNoOffload
	}
	if cfg.AllowDiscards {
		flags |= FlagAllowDiscards
	}
	if cfg.IVLargeSectors {
		flags |= FlagIVLargeSectors
	}
	if trueAEAD {
		flags |= FlagIntegrityAEAD
	}

	log := logging.Default()

	m := &Mapping{
		cfg:           cfg,
		log:           log,
		underlying:    cfg.Underlying,
		metadata:      cfg.Metadata,
		spec:          spec,
		start:         cfg.Start * physSectorSize,
		ivOffset:      cfg.IVOffset,
		sectorSize:    sectorSize,
		size:          size,
		flags:         flags,
		key:           key,
		keyParts:      engineCount,
		keyExtra:      keyExtra,
		authenc:       authenc,
		engines:       convert.Engines(engines),
		ivGen:         gen,
		assembler:     assembler,
		reqPool:       reqPool,
		converter:     converter,
		integrity:     integrity,
		tagSize:       tagSize,
		integrityIVSz: integrityIVSz,
		recordSize:    tagSize + integrityIVSz,
		pages:         pages,
		cryptSem:      make(chan struct{}, semWidth),
	}
	m.seq = sequencer.New(m, m.onSubmitError)
	m.seq.Start()

	log.Info("mapping constructed",
		"device", cfg.DeviceName,
		"cipher", spec.Raw,
		"sector_size", sectorSize,
		"key_valid", key.Valid(),
		"integrity_tag_bytes", tagSize,
	)
	return m, nil
}

// warnIntegrity logs an integrity-mismatch event, rate-limited to one line
// per integrityWarnInterval so a stream of bad sectors doesn't flood the
// log.
func (m *Mapping) warnIntegrity(sector uint64) {
	m.warnMu.Lock()
	now := time.Now()
	fire := now.Sub(m.lastIntegrityWarn) >= integrityWarnInterval
	if fire {
		m.lastIntegrityWarn = now
	}
	m.warnMu.Unlock()
	if fire {
		m.log.Warn("integrity check failed", "device", m.cfg.DeviceName, "sector", sector)
	}
}

func (m *Mapping) onSubmitError(sector uint64, err error) {
	// Submission errors on the lower device have nowhere to propagate to
	// once the originating WriteAt has already returned; the completion
	// channel latched in the writeJob is the only place that can still
	// observe them, which Submit already handles before reaching here.
	_ = sector
	_ = err
}

func (m *Mapping) suspended() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags.has(FlagSuspended)
}

func (m *Mapping) keyValid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags.has(FlagKeyValid)
}

// Size implements interfaces.Backend.
func (m *Mapping) Size() int64 { return m.size }

// Close implements interfaces.Backend.
func (m *Mapping) Close() error {
	m.seq.Stop()
	if m.key != nil {
		m.key.Wipe()
	}
	m.log.Info("mapping closed", "device", m.cfg.DeviceName)
	return m.underlying.Close()
}

// Flush implements interfaces.Backend.
func (m *Mapping) Flush() error { return m.underlying.Flush() }

// Discard implements interfaces.DiscardBackend: a
// discard is remapped onto the underlying device and forwarded without
// touching the crypto pipeline at all.
func (m *Mapping) Discard(offset, length int64) error {
	if !m.flags.has(FlagAllowDiscards) {
		return fmt.Errorf("mapping: discards not allowed on this mapping")
	}
	discarder, ok := m.underlying.(interfaces.DiscardBackend)
	if !ok {
		return fmt.Errorf("mapping: underlying device does not support discard")
	}
	return discarder.Discard(m.physOffset(offset), length)
}

func (m *Mapping) physOffset(logicalOffset int64) int64 {
	return int64(m.start) + logicalOffset
}

func (m *Mapping) sectorCount(n int) (int, error) {
	if n%m.sectorSize != 0 {
		return 0, ErrUnaligned
	}
	return n / m.sectorSize, nil
}

// metaLayout returns the per-sector Meta views into a flat buffer sized
// for nSectors records, allocating the buffer if recordSize > 0.
func (m *Mapping) metaLayout(nSectors int) ([]byte, []request.Meta) {
	if m.recordSize == 0 {
		return nil, make([]request.Meta, nSectors)
	}
	buf := make([]byte, nSectors*m.recordSize)
	metas := make([]request.Meta, nSectors)
	for i := 0; i < nSectors; i++ {
		rec := buf[i*m.recordSize : (i+1)*m.recordSize]
		metas[i] = request.Meta{Tag: rec[:m.tagSize], IV: rec[m.tagSize : m.tagSize+m.integrityIVSz]}
	}
	return buf, metas
}

func (m *Mapping) metaOffset(startSector uint64) int64 {
	return int64(startSector) * int64(m.recordSize)
}

// runConvert drives one I/O's blocks through the converter and blocks the
// caller until conversion (and, for writes, submission) completes.
func (m *Mapping) runConvert(write bool, blocks []convert.Block) error {
	m.cryptSem <- struct{}{}
	defer func() { <-m.cryptSem }()

	ctx := &convert.Context{Write: write, Blocks: blocks}
	result := make(chan error, 1)
	m.converter.Run(ctx, func(_ *convert.Context, err error) {
		result <- err
	})
	return <-result
}

// ReadAt implements interfaces.Backend.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if m.suspended() {
		return 0, ErrSuspended
	}
	if !m.keyValid() {
		return 0, ErrKeyNotInstalled
	}
	nSectors, err := m.sectorCount(len(p))
	if err != nil {
		return 0, err
	}
	if off%int64(m.sectorSize) != 0 {
		return 0, ErrUnaligned
	}
	startSector := uint64(off) / uint64(m.sectorSize)

	n, err := m.underlying.ReadAt(p, m.physOffset(off))
	if err != nil {
		return n, err
	}

	metaBuf, metas := m.metaLayout(nSectors)
	if m.recordSize > 0 {
		if _, err := m.metadata.ReadAt(metaBuf, m.metaOffset(startSector)); err != nil {
			return n, fmt.Errorf("mapping: metadata read: %w", err)
		}
	}

	blocks := make([]convert.Block, nSectors)
	for i := 0; i < nSectors; i++ {
		sector := startSector + uint64(i) + m.ivOffset
		blocks[i] = convert.Block{
			Sector: sector,
			Data:   p[i*m.sectorSize : (i+1)*m.sectorSize],
			Meta:   metas[i],
		}
	}

	if err := m.runConvert(false, blocks); err != nil {
		if errors.Is(err, convert.ErrIntegrity) {
			m.warnIntegrity(startSector)
		}
		return n, err
	}
	return n, nil
}

// writeJob is the payload a completed write's sequencer.Clone carries: the
// already-encrypted bytes, where they land on the underlying and metadata
// backends, and the channel WriteAt is blocked on.
type writeJob struct {
	data    []byte
	physOff int64
	metaBuf []byte
	metaOff int64
	done    chan error
}

// WriteAt implements interfaces.Backend.
func (m *Mapping) WriteAt(p []byte, off int64) (int, error) {
	if m.suspended() {
		return 0, ErrSuspended
	}
	if !m.keyValid() {
		return 0, ErrKeyNotInstalled
	}
	nSectors, err := m.sectorCount(len(p))
	if err != nil {
		return 0, err
	}
	if off%int64(m.sectorSize) != 0 {
		return 0, ErrUnaligned
	}
	startSector := uint64(off) / uint64(m.sectorSize)

	npages := (len(p) + bufpool.PageSize - 1) / bufpool.PageSize
	reserved := m.pages.Get(npages)
	if len(reserved) != npages {
		m.pages.Put(reserved)
		reserved, err = m.pages.GetWait(context.Background(), npages)
		if err != nil {
			return 0, fmt.Errorf("mapping: page pool: %w", err)
		}
	}
	// The reservation only bounds how much write memory is in flight at
	// once; the clone itself is a plain copy so its extent
	// doesn't have to track page boundaries sector-by-sector.
	clone := append([]byte(nil), p...)
	m.pages.Put(reserved)

	metaBuf, metas := m.metaLayout(nSectors)

	blocks := make([]convert.Block, nSectors)
	for i := 0; i < nSectors; i++ {
		sector := startSector + uint64(i) + m.ivOffset
		blocks[i] = convert.Block{
			Sector: sector,
			Data:   clone[i*m.sectorSize : (i+1)*m.sectorSize],
			Meta:   metas[i],
		}
	}

	if err := m.runConvert(true, blocks); err != nil {
		return 0, err
	}

	job := &writeJob{
		data:    clone,
		physOff: m.physOffset(off),
		metaBuf: metaBuf,
		metaOff: m.metaOffset(startSector),
		done:    make(chan error, 1),
	}

	if m.flags.has(FlagNoOffload) {
		if err := m.Submit(&sequencer.Clone{Sector: startSector, Data: job}); err != nil {
			return 0, err
		}
	} else {
		m.seq.Enqueue(&sequencer.Clone{Sector: startSector, Data: job})
	}

	if err := <-job.done; err != nil {
		return 0, err
	}
	return len(p), nil
}

// Submit implements sequencer.Submitter: it performs the actual write to
// the underlying device (and metadata backend, if configured) and signals
// the originating WriteAt call.
func (m *Mapping) Submit(c *sequencer.Clone) error {
	job, ok := c.Data.(*writeJob)
	if !ok {
		return fmt.Errorf("mapping: sequencer clone carries unexpected payload %T", c.Data)
	}
	_, err := m.underlying.WriteAt(job.data, job.physOff)
	if err == nil && m.recordSize > 0 {
		_, err = m.metadata.WriteAt(job.metaBuf, job.metaOff)
	}
	job.done <- err
	return err
}
