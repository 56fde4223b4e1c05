package convert

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ublk/internal/crypt/cipher"
	"github.com/ehrlich-b/go-ublk/internal/crypt/iv"
	"github.com/ehrlich-b/go-ublk/internal/crypt/request"
)

// fakeEngine XORs every byte with the IV and a fixed key byte; XOR is its
// own inverse so the same method serves encrypt and decrypt, which is all
// these tests need to prove the converter's plumbing (IV fill, dispatch,
// completion accounting) is correct without a real cipher.
type fakeEngine struct {
	key byte
}

func (e *fakeEngine) SetKey(k []byte) error { e.key = k[0]; return nil }
func (e *fakeEngine) Wipe()                 {}
func (e *fakeEngine) BlockSize() int        { return 16 }
func (e *fakeEngine) IVSize() int           { return 16 }
func (e *fakeEngine) IsAEAD() bool          { return false }
func (e *fakeEngine) TagSize() int          { return 0 }

func (e *fakeEngine) xor(req *request.Request) {
	for i := range req.Data {
		req.Data[i] ^= req.IV[i%len(req.IV)] ^ e.key
	}
}

func (e *fakeEngine) Encrypt(req *request.Request, done cipher.Done) (cipher.Result, error) {
	e.xor(req)
	return cipher.ResultOK, nil
}

func (e *fakeEngine) Decrypt(req *request.Request, done cipher.Done) (cipher.Result, error) {
	e.xor(req)
	return cipher.ResultOK, nil
}

// asyncEngine always defers completion to a background goroutine,
// exercising the ResultInProgress path.
type asyncEngine struct{ fakeEngine }

func (e *asyncEngine) Encrypt(req *request.Request, done cipher.Done) (cipher.Result, error) {
	go func() {
		e.xor(req)
		done(cipher.ResultOK, nil)
	}()
	return cipher.ResultInProgress, nil
}

func (e *asyncEngine) Decrypt(req *request.Request, done cipher.Done) (cipher.Result, error) {
	go func() {
		e.xor(req)
		done(cipher.ResultOK, nil)
	}()
	return cipher.ResultInProgress, nil
}

// backlogEngine always backlogs: signals ResultInProgress once to restart
// the driver loop, then finishes for real shortly after.
type backlogEngine struct{ fakeEngine }

func (e *backlogEngine) Encrypt(req *request.Request, done cipher.Done) (cipher.Result, error) {
	go func() {
		done(cipher.ResultInProgress, nil)
		time.Sleep(time.Millisecond)
		e.xor(req)
		done(cipher.ResultOK, nil)
	}()
	return cipher.ResultBacklog, nil
}

func (e *backlogEngine) Decrypt(req *request.Request, done cipher.Done) (cipher.Result, error) {
	return e.Encrypt(req, done)
}

func newAssembler(sectorSize int) *request.Assembler {
	gen, err := iv.New(iv.ModePlain64, 16, "", 16, nil, nil)
	if err != nil {
		panic(err)
	}
	return &request.Assembler{
		SectorSize: sectorSize,
		IVSize:     16,
		TfmsCount:  1,
		Gen:        gen,
	}
}

func waitDone(t *testing.T, ch chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("converter did not complete in time")
		return nil
	}
}

func TestConvertWriteThenReadRoundTrips(t *testing.T) {
	const sectorSize = 512
	asm := newAssembler(sectorSize)
	pool := request.NewPool(16)

	plain0 := make([]byte, sectorSize)
	plain1 := make([]byte, sectorSize)
	for i := range plain0 {
		plain0[i] = byte(i)
	}
	for i := range plain1 {
		plain1[i] = byte(255 - i)
	}

	cipher0 := append([]byte(nil), plain0...)
	cipher1 := append([]byte(nil), plain1...)

	engine := &fakeEngine{}
	require.NoError(t, engine.SetKey([]byte{0x42}))

	conv := &Converter{Assembler: asm, Engines: Engines{engine}, Pool: pool}

	writeCtx := &Context{
		Write: true,
		Blocks: []Block{
			{Sector: 0, Data: cipher0},
			{Sector: 1, Data: cipher1},
		},
	}
	done := make(chan error, 1)
	conv.Run(writeCtx, func(ctx *Context, err error) { done <- err })
	require.NoError(t, waitDone(t, done))
	require.NotEqual(t, plain0, cipher0)
	require.NotEqual(t, plain1, cipher1)

	readCtx := &Context{
		Write: false,
		Blocks: []Block{
			{Sector: 0, Data: cipher0},
			{Sector: 1, Data: cipher1},
		},
	}
	done = make(chan error, 1)
	conv.Run(readCtx, func(ctx *Context, err error) { done <- err })
	require.NoError(t, waitDone(t, done))
	require.Equal(t, plain0, cipher0)
	require.Equal(t, plain1, cipher1)
}

func TestConvertHandlesAsyncInProgressCompletions(t *testing.T) {
	const sectorSize = 512
	asm := newAssembler(sectorSize)
	pool := request.NewPool(16)

	engine := &asyncEngine{}
	require.NoError(t, engine.SetKey([]byte{0x7}))
	conv := &Converter{Assembler: asm, Engines: Engines{engine}, Pool: pool}

	data := make([][]byte, 8)
	blocks := make([]Block, 8)
	for i := range data {
		data[i] = make([]byte, sectorSize)
		blocks[i] = Block{Sector: uint64(i), Data: data[i]}
	}

	ctx := &Context{Write: true, Blocks: blocks}
	done := make(chan error, 1)
	conv.Run(ctx, func(c *Context, err error) { done <- err })
	require.NoError(t, waitDone(t, done))
}

func TestConvertWaitsOutBacklogBeforeCompleting(t *testing.T) {
	const sectorSize = 512
	asm := newAssembler(sectorSize)
	pool := request.NewPool(16)

	engine := &backlogEngine{}
	require.NoError(t, engine.SetKey([]byte{0x9}))
	conv := &Converter{Assembler: asm, Engines: Engines{engine}, Pool: pool}

	d0 := make([]byte, sectorSize)
	d1 := make([]byte, sectorSize)
	ctx := &Context{Write: true, Blocks: []Block{
		{Sector: 0, Data: d0},
		{Sector: 1, Data: d1},
	}}

	done := make(chan error, 1)
	conv.Run(ctx, func(c *Context, err error) { done <- err })
	require.NoError(t, waitDone(t, done))
}

// fakeIntegrity lets the test force a mismatch on the non-AEAD integrity
// path without wiring a real HMAC profile.
type fakeIntegrity struct {
	mu sync.Mutex
	ok bool
}

func (f *fakeIntegrity) TagSize() int { return 4 }
func (f *fakeIntegrity) Authenticate(tag []byte, sectorLE [8]byte, ciphertext []byte) {
	copy(tag, []byte{1, 2, 3, 4})
}
func (f *fakeIntegrity) Verify(tag []byte, sectorLE [8]byte, ciphertext []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ok
}

func TestConvertFailsContextOnIntegrityMismatch(t *testing.T) {
	const sectorSize = 512
	asm := newAssembler(sectorSize)
	asm.TagSize = 4
	pool := request.NewPool(16)

	engine := &fakeEngine{}
	require.NoError(t, engine.SetKey([]byte{0x1}))
	integrity := &fakeIntegrity{ok: false}

	conv := &Converter{Assembler: asm, Engines: Engines{engine}, Pool: pool, Integrity: integrity}

	data := make([]byte, sectorSize)
	meta := request.Meta{Tag: make([]byte, 4)}
	ctx := &Context{Write: false, Blocks: []Block{{Sector: 0, Data: data, Meta: meta}}}

	done := make(chan error, 1)
	conv.Run(ctx, func(c *Context, err error) { done <- err })
	err := waitDone(t, done)
	require.ErrorIs(t, err, ErrIntegrity)
}
