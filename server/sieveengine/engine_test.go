package sieveengine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allgood/pigeonhole/config"
	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/sieve"
)

type memoryTier struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
	puts int
	err  error
}

func newMemoryTier() *memoryTier {
	return &memoryTier{data: make(map[string][]byte)}
}

func (m *memoryTier) get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return nil, m.err
	}
	d, ok := m.data[key]
	if !ok {
		return nil, consts.ErrCacheMiss
	}
	return d, nil
}

func (m *memoryTier) put(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.data[key] = bytes.Clone(data)
	return nil
}

type diskFake struct{ *memoryTier }

func (d diskFake) Get(key string) ([]byte, error)    { return d.get(key) }
func (d diskFake) Put(key string, data []byte) error { return d.put(key, data) }

type sharedFake struct{ *memoryTier }

func (s sharedFake) Get(_ context.Context, hash string) ([]byte, error) { return s.get(hash) }
func (s sharedFake) Put(_ context.Context, hash string, data []byte) error {
	return s.put(hash, data)
}

func TestProgramHash(t *testing.T) {
	a := newTestEngine(t, config.SieveConfig{})
	b := newTestEngine(t, config.SieveConfig{})
	withVars := newTestEngine(t, config.SieveConfig{Variables: map[string]string{"x": "1"}})
	restricted := newTestEngine(t, config.SieveConfig{EnabledExtensions: []string{"fileinto"}})
	otherVacation := newTestEngine(t, config.SieveConfig{Vacation: config.SieveVacationConfig{MinPeriod: "2d"}})

	h := a.ProgramHash("keep;")
	assert.Len(t, h, 64)
	assert.Equal(t, h, b.ProgramHash("keep;"))
	assert.NotEqual(t, h, a.ProgramHash("keep; "))
	assert.NotEqual(t, h, withVars.ProgramHash("keep;"))
	assert.NotEqual(t, h, restricted.ProgramHash("keep;"))
	assert.NotEqual(t, h, otherVacation.ProgramHash("keep;"))
}

func TestProgramHashTracksVacationBounds(t *testing.T) {
	ctx := context.Background()
	script := `require "vacation"; vacation :days 1 "Out of office";`
	disk := newMemoryTier()
	short := newTestEngine(t, config.SieveConfig{Vacation: config.SieveVacationConfig{MinPeriod: "1d"}}, WithDiskCache(diskFake{disk}))
	long := newTestEngine(t, config.SieveConfig{Vacation: config.SieveVacationConfig{MinPeriod: "10d"}}, WithDiskCache(diskFake{disk}))
	require.NotEqual(t, short.ProgramHash(script), long.ProgramHash(script))

	_, err := short.Compile(ctx, script)
	require.NoError(t, err)
	c, err := long.Compile(ctx, script)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, long.Dump(c.Program, &buf))
	assert.Contains(t, buf.String(), "864000")
	assert.NotContains(t, buf.String(), "seconds: 86400\n")
	assert.Len(t, disk.data, 2)
}

func TestCompileTiers(t *testing.T) {
	ctx := context.Background()
	script := `require "fileinto"; if header :contains "subject" "sale" { fileinto "Promotions"; }`

	disk := newMemoryTier()
	shared := newMemoryTier()
	e := newTestEngine(t, config.SieveConfig{}, WithDiskCache(diskFake{disk}), WithSharedStore(sharedFake{shared}))

	c, err := e.Compile(ctx, script)
	require.NoError(t, err)
	assert.Equal(t, e.ProgramHash(script), c.Hash)
	assert.Contains(t, disk.data, c.Hash)
	assert.Contains(t, shared.data, c.Hash)

	// Memory hit, lower tiers untouched.
	gets := disk.gets
	_, err = e.Compile(ctx, script)
	require.NoError(t, err)
	assert.Equal(t, gets, disk.gets)

	// A second node with an empty disk loads from the shared tier.
	disk2 := newMemoryTier()
	e2 := newTestEngine(t, config.SieveConfig{}, WithDiskCache(diskFake{disk2}), WithSharedStore(sharedFake{shared}))
	putsBefore := shared.puts
	c2, err := e2.Compile(ctx, script)
	require.NoError(t, err)
	assert.Equal(t, c.Hash, c2.Hash)
	assert.Equal(t, putsBefore, shared.puts)
	assert.Contains(t, disk2.data, c.Hash)
	assert.Equal(t, c.Program.Code(), c2.Program.Code())

	exec := e2.ExecutorFor(c2.Program, 0, nil)
	res, err := exec.Evaluate(ctx, testContext("Big sale"))
	require.NoError(t, err)
	assert.Equal(t, "Promotions", res.Mailbox)
}

func TestCompileIgnoresCorruptTiers(t *testing.T) {
	ctx := context.Background()
	disk := newMemoryTier()
	e := newTestEngine(t, config.SieveConfig{}, WithDiskCache(diskFake{disk}))
	hash := e.ProgramHash("discard;")
	disk.data[hash] = []byte("garbage")

	c, err := e.Compile(ctx, "discard;")
	require.NoError(t, err)
	res, err := e.ExecutorFor(c.Program, 0, nil).Evaluate(ctx, testContext("x"))
	require.NoError(t, err)
	assert.Equal(t, ActionDiscard, res.Action)
	assert.NotEqual(t, []byte("garbage"), disk.data[hash])

	failing := newMemoryTier()
	failing.err = errors.New("disk on fire")
	e = newTestEngine(t, config.SieveConfig{}, WithDiskCache(diskFake{failing}))
	_, err = e.Compile(ctx, "keep;")
	assert.NoError(t, err)
}

func TestCompileErrors(t *testing.T) {
	e := newTestEngine(t, config.SieveConfig{MaxScriptSize: "1kb"})
	_, err := e.Compile(context.Background(), `fileinto "x";`)
	var list sieve.ErrorList
	require.True(t, errors.As(err, &list))
	assert.Contains(t, list.Error(), "fileinto")

	_, err = e.Compile(context.Background(), strings.Repeat("#", 2048))
	assert.True(t, errors.Is(err, consts.ErrScriptTooLarge))

	// Failures are not cached.
	assert.Equal(t, 0, e.Programs().Size())
}

func TestDumpAndLoad(t *testing.T) {
	e := newTestEngine(t, config.SieveConfig{})
	c, err := e.Compile(context.Background(), `if size :over 10K { discard; }`)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, e.Dump(c.Program, &buf))
	assert.Contains(t, buf.String(), "DISCARD")

	data, err := c.Program.MarshalBinary()
	require.NoError(t, err)
	p, err := e.LoadProgram(data)
	require.NoError(t, err)
	assert.Equal(t, c.Program.Code(), p.Code())
}

func TestConcurrentEvaluation(t *testing.T) {
	e := newTestEngine(t, config.SieveConfig{})
	exec, err := e.NewExecutor(context.Background(), `
require ["fileinto", "imap4flags"];
addflag "$Seen-By-Filter";
if header :matches "subject" "*urgent*" { fileinto "Urgent"; }
`)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subject := "normal"
			if i%2 == 0 {
				subject = "very urgent stuff"
			}
			res, err := exec.Evaluate(context.Background(), testContext(subject))
			assert.NoError(t, err)
			assert.Equal(t, []string{"$Seen-By-Filter"}, res.Flags)
			if i%2 == 0 {
				assert.Equal(t, ActionFileInto, res.Action)
			} else {
				assert.Equal(t, ActionKeep, res.Action)
			}
		}()
	}
	wg.Wait()
}

func TestEvaluateHonoursCancellation(t *testing.T) {
	e := newTestEngine(t, config.SieveConfig{ExecutionTimeout: "1s"})
	exec, err := e.NewExecutor(context.Background(), `keep;`)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := exec.Evaluate(ctx, testContext("x"))
	require.Error(t, err)
	assert.Equal(t, ActionKeep, res.Action)
}

func TestProgramCache(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewProgramCache(2, time.Minute)
	c.now = func() time.Time { return now }

	p1, p2, p3 := &sieve.Program{}, &sieve.Program{}, &sieve.Program{}
	c.Put("a", p1)
	c.Put("b", p2)
	_, ok := c.Get("a") // a is now most recent
	require.True(t, ok)
	c.Put("c", p3) // evicts b
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Size())

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	c.CleanExpired()
	assert.Equal(t, 0, c.Size())

	loads := 0
	load := func() (*sieve.Program, error) {
		loads++
		return p1, nil
	}
	got, hit, err := c.GetOrLoad("x", load)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Same(t, p1, got)
	_, hit, _ = c.GetOrLoad("x", load)
	assert.True(t, hit)
	assert.Equal(t, 1, loads)

	_, _, err = c.GetOrLoad("y", func() (*sieve.Program, error) { return nil, errors.New("bad") })
	assert.Error(t, err)
	_, ok = c.Get("y")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Size())
}

func TestContextFromMessage(t *testing.T) {
	raw := "From: =?UTF-8?Q?J=C3=B6rg?= <jorg@example.com>\r\n" +
		"To: bob@example.org\r\n" +
		"Subject: =?UTF-8?B?SGVsbG8gV8O2cmxk?=\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"Caf=C3=A9 menu\r\n"

	ctx, err := ContextFromMessage(strings.NewReader(raw), "jorg@example.com", "bob@example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello Wörld"}, ctx.Header["subject"])
	assert.Equal(t, "Café menu\r\n", ctx.Body)
	assert.Equal(t, "Caf=C3=A9 menu\r\n", ctx.RawBody)
	assert.Equal(t, int64(len(raw)), ctx.Size)

	e := newTestEngine(t, config.SieveConfig{})
	res := evaluate(t, e, `require "body"; if allof(header :contains "subject" "wörld", body :contains "café") { discard; }`, ctx)
	assert.Equal(t, ActionDiscard, res.Action)

	res = evaluate(t, e, `require "body"; if body :raw :contains "=C3=A9" { discard; }`, ctx)
	assert.Equal(t, ActionDiscard, res.Action)
}

func TestContextFromMessageWithoutTextBody(t *testing.T) {
	raw := "Subject: image\r\nContent-Type: image/png\r\n\r\nPNG"
	ctx, err := ContextFromBytes([]byte(raw), "a@example.com", "b@example.com")
	require.NoError(t, err)
	assert.Equal(t, "", ctx.Body)
	assert.Equal(t, "PNG", ctx.RawBody)
}
