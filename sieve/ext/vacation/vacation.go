// Package vacation provides the vacation command (RFC 5230). The command
// only records the response; whether a reply is actually sent is decided
// by the delivery layer, which tracks the response period per sender.
package vacation

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/emersion/go-message/mail"
	"lukechampine.com/blake3"

	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/sieve"
)

const (
	Name   = "vacation"
	Opcode = "VACATION"
)

// Config bounds the response period. A MaxPeriod of zero means no upper
// bound.
type Config struct {
	DefaultPeriod time.Duration
	MinPeriod     time.Duration
	MaxPeriod     time.Duration
}

// DefaultConfig is a seven day default with a one day minimum.
func DefaultConfig() Config {
	return Config{
		DefaultPeriod: 7 * 24 * time.Hour,
		MinPeriod:     24 * time.Hour,
	}
}

// Period clamps a requested period to the configured bounds.
func (c Config) Period(requested time.Duration) time.Duration {
	if requested < c.MinPeriod {
		requested = c.MinPeriod
	}
	if c.MaxPeriod > 0 && requested > c.MaxPeriod {
		requested = c.MaxPeriod
	}
	return requested
}

// maxDays is the largest :days value that fits in a time.Duration.
const maxDays = int64(math.MaxInt64 / int64(24*time.Hour))

// Extension registers the vacation command.
type Extension struct {
	id  int
	cfg Config
}

// New returns the vacation extension. Requested :days values are
// clamped to the bounds in cfg.
func New(cfg Config) *Extension {
	return &Extension{id: -1, cfg: cfg}
}

func (e *Extension) Name() string { return Name }

// Load records the extension id.
func (e *Extension) Load(id int) error {
	if e.cfg.MaxPeriod > 0 && e.cfg.MinPeriod > e.cfg.MaxPeriod {
		return fmt.Errorf("vacation: min period %s exceeds max period %s", e.cfg.MinPeriod, e.cfg.MaxPeriod)
	}
	e.id = id
	return nil
}

// ValidatorLoad registers the vacation command and its tags.
func (e *Extension) ValidatorLoad(v *sieve.Validator) error {
	v.RegisterCommand(&sieve.CommandSpec{
		Ident: "vacation",
		Type:  sieve.NodeCommand,
		Sig: sieve.Signature{
			Positional: []sieve.ArgType{sieve.ArgString},
			Tags: map[string]sieve.TagSpec{
				"days":      {Param: sieve.ArgNumber},
				"subject":   {Param: sieve.ArgString},
				"from":      {Param: sieve.ArgString},
				"addresses": {Param: sieve.ArgStringList},
				"mime":      {},
				"handle":    {Param: sieve.ArgString},
			},
		},
		ValidateFunc: e.validate,
		GenerateFunc: generate,
	}, e.id)
	return nil
}

func (e *Extension) Opcodes() []sieve.Opcode {
	return []sieve.Opcode{&sieve.OpcodeSpec{
		Mnemonic:    Opcode,
		DumpFunc:    dump,
		ExecuteFunc: execute,
	}}
}

// Action is a pending vacation response.
type Action struct {
	Period    time.Duration
	Subject   string
	From      string
	Addresses []string
	Mime      bool
	Handle    string
	Reason    string
}

func (a *Action) ActionName() string { return Name }
func (a *Action) Target() string     { return "" }

func (e *Extension) validate(_ *sieve.Validator, c *sieve.CommandContext) error {
	a := &Action{
		Period: e.cfg.DefaultPeriod,
		Reason: c.Positional[0].Str,
		Mime:   c.HasTag("mime"),
	}
	if days, ok := c.Tag("days"); ok {
		a.Period = time.Duration(min(days.Num, maxDays)) * 24 * time.Hour
	}
	a.Period = e.cfg.Period(a.Period)

	if s, ok := c.Tag("subject"); ok {
		a.Subject = s.Str
	}
	if f, ok := c.Tag("from"); ok {
		if _, err := mail.ParseAddress(f.Str); err != nil {
			return fmt.Errorf("vacation: invalid :from address %q: %v", f.Str, err)
		}
		a.From = f.Str
	}
	if l, ok := c.Tag("addresses"); ok {
		for _, addr := range l.Strings() {
			if _, err := mail.ParseAddress(addr); err != nil {
				return fmt.Errorf("vacation: invalid :addresses entry %q: %v", addr, err)
			}
			a.Addresses = append(a.Addresses, addr)
		}
	}
	if h, ok := c.Tag("handle"); ok {
		a.Handle = h.Str
	} else {
		a.Handle = DefaultHandle(a.Reason, a.Subject, a.From, a.Mime)
	}
	c.Data = a
	return nil
}

// DefaultHandle derives the handle of a vacation command without :handle
// from the arguments that shape the response.
func DefaultHandle(reason, subject, from string, mime bool) string {
	h := blake3.New(16, nil)
	for _, s := range []string{reason, subject, from} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	if mime {
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func generate(g *sieve.Generator, c *sieve.CommandContext) error {
	a, ok := c.Data.(*Action)
	if !ok {
		return fmt.Errorf("vacation: command was not validated")
	}
	if err := g.EmitOpcode(Opcode); err != nil {
		return err
	}
	g.EmitNumber(int64(a.Period / time.Second))
	g.EmitString(a.Subject)
	g.EmitString(a.From)
	g.EmitStringList(a.Addresses)
	var mime int64
	if a.Mime {
		mime = 1
	}
	g.EmitNumber(mime)
	g.EmitString(a.Handle)
	g.EmitString(a.Reason)
	return nil
}

func dump(in *sieve.Interpreter) error {
	if err := in.DumpNumber("seconds"); err != nil {
		return err
	}
	for _, label := range []string{"subject", "from"} {
		if err := in.DumpString(label); err != nil {
			return err
		}
	}
	if err := in.DumpStringList("addresses"); err != nil {
		return err
	}
	if err := in.DumpNumber("mime"); err != nil {
		return err
	}
	if err := in.DumpString("handle"); err != nil {
		return err
	}
	return in.DumpString("reason")
}

func read(in *sieve.Interpreter) (*Action, error) {
	var a Action
	secs, err := in.ReadNumber()
	if err != nil {
		return nil, err
	}
	if secs < 0 {
		return nil, fmt.Errorf("%w: negative vacation period", sieve.ErrCorruptOperand)
	}
	a.Period = time.Duration(secs) * time.Second
	if a.Subject, err = in.ReadString(); err != nil {
		return nil, err
	}
	if a.From, err = in.ReadString(); err != nil {
		return nil, err
	}
	if a.Addresses, err = in.ReadStringList(); err != nil {
		return nil, err
	}
	mime, err := in.ReadNumber()
	if err != nil {
		return nil, err
	}
	a.Mime = mime != 0
	if a.Handle, err = in.ReadString(); err != nil {
		return nil, err
	}
	if a.Reason, err = in.ReadString(); err != nil {
		return nil, err
	}
	return &a, nil
}

func execute(in *sieve.Interpreter) (sieve.Status, error) {
	a, err := read(in)
	if err != nil {
		return sieve.StatusContinue, err
	}
	res := in.Result()
	if res.HasAction(Name) {
		res.Warnf("duplicate vacation action at %08x ignored", in.OpStart())
		logger.Warn("Sieve: duplicate vacation action ignored", "pc", in.OpStart(), "handle", a.Handle)
		return sieve.StatusContinue, nil
	}
	res.AddAction(a, false)
	return sieve.StatusContinue, nil
}
