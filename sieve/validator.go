package sieve

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// NodeKind tells commands and tests apart.
type NodeKind int

const (
	NodeCommand NodeKind = iota
	NodeTest
)

func (k NodeKind) String() string {
	if k == NodeTest {
		return "test"
	}
	return "command"
}

// ManyTests in Signature.Tests means one or more tests.
const ManyTests = -1

// TagSpec describes a tagged argument. Tags sharing a Group are mutually
// exclusive.
type TagSpec struct {
	Param ArgType // zero when the tag takes no parameter
	Group string
}

// Signature is the argument layout of a command or test.
type Signature struct {
	Positional []ArgType
	Tags       map[string]TagSpec
	// Matching commands accept :comparator and any registered match type
	// tag. Keys is the index of the key list in Positional.
	Matching bool
	Keys     int
	Tests    int
	Block    bool
	// RequiredGroups lists tag groups of which one member must be present.
	RequiredGroups []string
}

// CommandDef defines a command or test.
type CommandDef interface {
	Name() string
	Kind() NodeKind
	Signature() Signature
}

// CommandValidator is implemented by definitions with checks beyond the
// signature.
type CommandValidator interface {
	Validate(v *Validator, c *CommandContext) error
}

// CommandGenerator emits the code of a command or test. Tests emit a single
// test opcode; the generator adds the conditional jump.
type CommandGenerator interface {
	Generate(g *Generator, c *CommandContext) error
}

// CommandSpec is a CommandDef assembled from plain values.
type CommandSpec struct {
	Ident        string
	Type         NodeKind
	Sig          Signature
	ValidateFunc func(v *Validator, c *CommandContext) error
	GenerateFunc func(g *Generator, c *CommandContext) error
}

func (s *CommandSpec) Name() string         { return s.Ident }
func (s *CommandSpec) Kind() NodeKind       { return s.Type }
func (s *CommandSpec) Signature() Signature { return s.Sig }

func (s *CommandSpec) Validate(v *Validator, c *CommandContext) error {
	if s.ValidateFunc == nil {
		return nil
	}
	return s.ValidateFunc(v, c)
}

func (s *CommandSpec) Generate(g *Generator, c *CommandContext) error {
	if s.GenerateFunc == nil {
		return fmt.Errorf("%s '%s' has no code generator", s.Type, s.Ident)
	}
	return s.GenerateFunc(g, c)
}

// CommandContext is what validation resolved for one command or test.
type CommandContext struct {
	Command    *Command
	Def        CommandDef
	Ext        int
	Positional []*Argument
	// Tags maps a tag name to its parameter, or to the tag node itself for
	// tags without one.
	Tags       map[string]*Argument
	Comparator Comparator
	MatchType  MatchType
	// Data is free for command-specific validation results.
	Data any

	groups map[string]string
}

// Tag returns the argument recorded for a tag.
func (c *CommandContext) Tag(name string) (*Argument, bool) {
	a, ok := c.Tags[name]
	return a, ok
}

// HasTag reports whether the tag was given.
func (c *CommandContext) HasTag(name string) bool {
	_, ok := c.Tags[name]
	return ok
}

// GroupTag returns the tag given for a group, or "".
func (c *CommandContext) GroupTag(group string) string {
	return c.groups[group]
}

// Keys returns the key list of a matching command.
func (c *CommandContext) Keys() *Argument {
	sig := c.Def.Signature()
	if !sig.Matching || sig.Keys >= len(c.Positional) {
		return nil
	}
	return c.Positional[sig.Keys]
}

// VariableLookup resolves variable references during compilation.
type VariableLookup interface {
	LookupVariable(name string) (string, bool)
	LookupMatch(index int) (string, bool)
}

// MapVariables is a VariableLookup over a map. Names are case-insensitive;
// positional references use the decimal index as key.
type MapVariables map[string]string

func (m MapVariables) LookupVariable(name string) (string, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	v, ok := m[strings.ToLower(name)]
	return v, ok
}

func (m MapVariables) LookupMatch(index int) (string, bool) {
	v, ok := m[strconv.Itoa(index)]
	return v, ok
}

// CompileOptions controls a compilation.
type CompileOptions struct {
	// EnabledExtensions restricts what a script may require. Nil allows
	// every registered extension.
	EnabledExtensions []string
	Variables         VariableLookup
}

type cmdEntry struct {
	def CommandDef
	ext int
}

type matchTypeEntry struct {
	mt  MatchType
	ext int
}

type comparatorEntry struct {
	cmp Comparator
	ext int
}

type tagEntry struct {
	spec TagSpec
	ext  int
}

// Validator checks a parsed script and resolves every command against the
// registered definitions. A Validator is used for one script only.
type Validator struct {
	reg    *Registry
	script *Script
	opts   CompileOptions

	commands    map[string]cmdEntry
	matchTypes  map[string]matchTypeEntry
	comparators map[string]comparatorEntry
	kinds       map[string][]argEntry
	extraTags   map[string]map[string]tagEntry

	required      map[int]bool
	requiredOrder []int
	extCtx        []any
	errs          ErrorList
	depth         int
}

// NewValidator builds a validator for script and lets every registered
// extension register its definitions. The registry is sealed.
func NewValidator(reg *Registry, script *Script, opts CompileOptions) (*Validator, error) {
	reg.Seal()
	v := &Validator{
		reg:         reg,
		script:      script,
		opts:        opts,
		commands:    make(map[string]cmdEntry),
		matchTypes:  make(map[string]matchTypeEntry),
		comparators: make(map[string]comparatorEntry),
		kinds:       make(map[string][]argEntry),
		extraTags:   make(map[string]map[string]tagEntry),
		required:    make(map[int]bool),
		extCtx:      make([]any, reg.Len()),
	}
	for _, def := range coreCommands() {
		v.RegisterCommand(def, -1)
	}
	for _, mt := range coreMatchTypes() {
		v.RegisterMatchType(mt, -1)
	}
	for _, c := range coreComparators() {
		v.RegisterComparator(c, -1)
	}
	for _, k := range coreArgumentKinds() {
		v.RegisterArgument(k, -1)
	}
	if err := reg.ForEachValidatorHook(v); err != nil {
		return nil, err
	}
	return v, nil
}

// RegisterCommand makes a command or test available. ext is the owning
// extension id, or -1 for the core language.
func (v *Validator) RegisterCommand(def CommandDef, ext int) {
	v.commands[def.Name()] = cmdEntry{def: def, ext: ext}
}

// RegisterMatchType makes a match type available as a tag of matching
// commands.
func (v *Validator) RegisterMatchType(mt MatchType, ext int) {
	v.matchTypes[mt.Name()] = matchTypeEntry{mt: mt, ext: ext}
}

// RegisterComparator makes a comparator available to :comparator.
func (v *Validator) RegisterComparator(c Comparator, ext int) {
	v.comparators[c.Name()] = comparatorEntry{cmp: c, ext: ext}
}

// RegisterTag adds a tagged argument to an existing command, such as
// :flags on keep and fileinto.
func (v *Validator) RegisterTag(command, name string, spec TagSpec, ext int) {
	m := v.extraTags[command]
	if m == nil {
		m = make(map[string]tagEntry)
		v.extraTags[command] = m
	}
	m[name] = tagEntry{spec: spec, ext: ext}
}

// RegisterArgument installs the base definition of an argument kind.
func (v *Validator) RegisterArgument(kind ArgumentKind, ext int) {
	v.kinds[kind.Tag()] = append([]argEntry{{kind: kind, ext: ext}}, v.kinds[kind.Tag()]...)
}

// OverrideArgument pushes kind on top of the definitions for its tag. It is
// only active in scripts that require the owning extension.
func (v *Validator) OverrideArgument(kind ArgumentKind, ext int) {
	v.kinds[kind.Tag()] = append(v.kinds[kind.Tag()], argEntry{kind: kind, ext: ext})
}

// ActivateSuper runs the next active definition below the one currently
// validating arg. It is a no-op when there is none.
func (v *Validator) ActivateSuper(cmd *Command, arg *Argument) error {
	stack := v.kinds[arg.Kind]
	idx := v.activeBelow(stack, arg.level)
	if idx < 0 {
		return nil
	}
	arg.level = idx
	return stack[idx].kind.Validate(v, cmd, arg)
}

func (v *Validator) activeBelow(stack []argEntry, level int) int {
	for i := min(level, len(stack)) - 1; i >= 0; i-- {
		if v.usable(stack[i].ext) {
			return i
		}
	}
	return -1
}

// validateArgument runs the active kind of arg, once per node.
func (v *Validator) validateArgument(cmd *Command, arg *Argument) error {
	if arg.validated {
		return nil
	}
	arg.validated = true
	if arg.Kind == "" {
		arg.Kind = defaultKind(arg.Type)
	}
	stack := v.kinds[arg.Kind]
	idx := v.activeBelow(stack, len(stack))
	if idx < 0 {
		return fmt.Errorf("unknown argument kind %s", arg.Kind)
	}
	arg.level = idx
	return stack[idx].kind.Validate(v, cmd, arg)
}

// Registry returns the registry the validator was built from.
func (v *Validator) Registry() *Registry {
	return v.reg
}

// Script returns the script being validated.
func (v *Validator) Script() *Script {
	return v.script
}

// Options returns the compile options.
func (v *Validator) Options() CompileOptions {
	return v.opts
}

// Depth is the block nesting level of the command being validated. Top
// level commands are at depth zero.
func (v *Validator) Depth() int {
	return v.depth
}

// Required reports whether the script requires the named extension.
func (v *Validator) Required(name string) bool {
	id, ok := v.reg.ID(name)
	return ok && v.required[id]
}

// ExtensionContext returns the per-validation state of an extension.
func (v *Validator) ExtensionContext(id int) any {
	if id < 0 || id >= len(v.extCtx) {
		return nil
	}
	return v.extCtx[id]
}

// SetExtensionContext stores per-validation state for an extension.
func (v *Validator) SetExtensionContext(id int, ctx any) {
	if id >= 0 && id < len(v.extCtx) {
		v.extCtx[id] = ctx
	}
}

// Errorf records a diagnostic.
func (v *Validator) Errorf(pos Position, format string, args ...any) {
	if pos.File == "" && v.script != nil {
		pos.File = v.script.Name
	}
	v.errs = append(v.errs, &Diagnostic{Pos: pos, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the whole script and returns the collected diagnostics.
func (v *Validator) Validate() ErrorList {
	v.validateBlock(v.script.Commands, true)
	return v.errs
}

func (v *Validator) usable(ext int) bool {
	return ext < 0 || v.required[ext]
}

func (v *Validator) extName(ext int) string {
	if e := v.reg.Extension(ext); e != nil {
		return e.Name()
	}
	return "?"
}

func (v *Validator) enabled(name string) bool {
	return v.opts.EnabledExtensions == nil || slices.Contains(v.opts.EnabledExtensions, name)
}

func (v *Validator) validateBlock(cmds []*Command, top bool) {
	if !top {
		v.depth++
		defer func() { v.depth-- }()
	}
	requireAllowed := top
	prev := ""
	for _, c := range cmds {
		switch c.Name {
		case "require":
			if !requireAllowed {
				v.Errorf(c.Pos, "require commands can only be placed at top level at the beginning of the file")
			} else {
				v.validateRequire(c)
			}
			prev = c.Name
			continue
		case "elsif", "else":
			if prev != "if" && prev != "elsif" {
				v.Errorf(c.Pos, "'%s' must follow an 'if' or 'elsif' command", c.Name)
			}
		}
		requireAllowed = false
		v.validateCommand(c, NodeCommand)
		prev = c.Name
	}
}

func (v *Validator) validateRequire(c *Command) {
	if len(c.Args) != 1 || (c.Args[0].Type != ArgString && c.Args[0].Type != ArgStringList) {
		v.Errorf(c.Pos, "'require' expects a string list of extension names")
		return
	}
	if len(c.Tests) > 0 || c.Block != nil {
		v.Errorf(c.Pos, "'require' takes neither tests nor a block")
		return
	}
	c.ctx = &CommandContext{Command: c, Def: v.commands["require"].def, Ext: -1, Positional: c.Args}
	for _, m := range c.Args[0].Members() {
		name := m.Str
		if name == comparatorExtensionName+ComparatorOctet || name == comparatorExtensionName+ComparatorASCIICasemap {
			continue
		}
		id, ok := v.reg.ID(name)
		if !ok || !v.enabled(name) {
			v.Errorf(m.Pos, "unknown extension '%s'", name)
			continue
		}
		if !v.required[id] {
			v.required[id] = true
			v.requiredOrder = append(v.requiredOrder, id)
		}
	}
}

func (v *Validator) validateCommand(cmd *Command, want NodeKind) {
	entry, ok := v.commands[cmd.Name]
	if !ok || (want == NodeCommand && cmd.Name == "require") {
		v.Errorf(cmd.Pos, "unknown %s '%s'", want, cmd.Name)
		return
	}
	if entry.def.Kind() != want {
		v.Errorf(cmd.Pos, "'%s' is a %s and cannot be used as a %s", cmd.Name, entry.def.Kind(), want)
		return
	}
	if !v.usable(entry.ext) {
		v.Errorf(cmd.Pos, "%s '%s' requires extension '%s'", want, cmd.Name, v.extName(entry.ext))
		return
	}

	for _, a := range cmd.Args {
		if err := v.validateArgument(cmd, a); err != nil {
			v.Errorf(a.Pos, "%v", err)
			return
		}
	}

	ctx, ok := v.resolveSignature(cmd, entry)
	if !ok {
		return
	}
	cmd.ctx = ctx

	sig := entry.def.Signature()
	switch {
	case sig.Tests == 0 && len(cmd.Tests) > 0:
		v.Errorf(cmd.Pos, "'%s' does not take a test", cmd.Name)
	case sig.Tests == ManyTests && len(cmd.Tests) == 0:
		v.Errorf(cmd.Pos, "'%s' requires at least one test", cmd.Name)
	case sig.Tests > 0 && len(cmd.Tests) != sig.Tests:
		v.Errorf(cmd.Pos, "'%s' requires exactly %d test(s)", cmd.Name, sig.Tests)
	}
	for _, t := range cmd.Tests {
		v.validateCommand(t, NodeTest)
	}

	switch {
	case sig.Block && cmd.Block == nil:
		v.Errorf(cmd.Pos, "'%s' requires a block", cmd.Name)
	case !sig.Block && cmd.Block != nil:
		v.Errorf(cmd.Pos, "'%s' does not take a block", cmd.Name)
	case cmd.Block != nil:
		v.validateBlock(cmd.Block, false)
	}

	if cv, ok := entry.def.(CommandValidator); ok {
		if err := cv.Validate(v, ctx); err != nil {
			v.Errorf(cmd.Pos, "%v", err)
		}
	}
}

func (v *Validator) lookupTag(sig Signature, command, name string) (TagSpec, int, bool) {
	if spec, ok := sig.Tags[name]; ok {
		return spec, -1, true
	}
	if e, ok := v.extraTags[command][name]; ok {
		return e.spec, e.ext, true
	}
	return TagSpec{}, 0, false
}

func typeAccepts(want, got ArgType) bool {
	return want == got || (want == ArgStringList && got == ArgString)
}

func (v *Validator) resolveSignature(cmd *Command, entry cmdEntry) (*CommandContext, bool) {
	sig := entry.def.Signature()
	ctx := &CommandContext{
		Command: cmd,
		Def:     entry.def,
		Ext:     entry.ext,
		Tags:    make(map[string]*Argument),
		groups:  make(map[string]string),
	}
	ok := true
	fail := func(pos Position, format string, args ...any) {
		v.Errorf(pos, format, args...)
		ok = false
	}

	var cmpArg *Argument
	args := cmd.Args
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a.Type != ArgTag {
			ctx.Positional = append(ctx.Positional, a)
			continue
		}
		if len(ctx.Positional) > 0 {
			fail(a.Pos, "tagged argument :%s of '%s' must come before its positional arguments", a.Str, cmd.Name)
			continue
		}
		name := a.Str
		if mte, isMT := v.matchTypes[name]; sig.Matching && isMT {
			switch {
			case !v.usable(mte.ext):
				fail(a.Pos, "match type :%s requires extension '%s'", name, v.extName(mte.ext))
			case ctx.MatchType != nil:
				fail(a.Pos, "'%s' accepts only one match type", cmd.Name)
			default:
				ctx.MatchType = mte.mt
			}
			continue
		}
		if sig.Matching && name == "comparator" {
			if i+1 >= len(args) || args[i+1].Type != ArgString {
				fail(a.Pos, ":comparator requires a string argument")
				continue
			}
			i++
			if cmpArg != nil {
				fail(a.Pos, "'%s' accepts only one comparator", cmd.Name)
				continue
			}
			cmpArg = args[i]
			continue
		}

		spec, tagExt, found := v.lookupTag(sig, cmd.Name, name)
		if !found {
			fail(a.Pos, "unknown tagged argument :%s for %s '%s'", name, entry.def.Kind(), cmd.Name)
			continue
		}
		if !v.usable(tagExt) {
			fail(a.Pos, "tagged argument :%s requires extension '%s'", name, v.extName(tagExt))
			continue
		}
		if _, dup := ctx.Tags[name]; dup {
			fail(a.Pos, "tagged argument :%s given more than once", name)
			continue
		}
		if spec.Group != "" {
			if other, set := ctx.groups[spec.Group]; set {
				fail(a.Pos, "tagged argument :%s cannot be combined with :%s", name, other)
				continue
			}
			ctx.groups[spec.Group] = name
		}
		val := a
		if spec.Param != 0 {
			if i+1 >= len(args) || !typeAccepts(spec.Param, args[i+1].Type) {
				fail(a.Pos, "tagged argument :%s requires a %s argument", name, spec.Param)
				continue
			}
			i++
			val = args[i]
		}
		ctx.Tags[name] = val
	}

	if len(ctx.Positional) != len(sig.Positional) {
		fail(cmd.Pos, "'%s' expects %d positional argument(s), got %d", cmd.Name, len(sig.Positional), len(ctx.Positional))
	} else {
		for i, p := range ctx.Positional {
			if !typeAccepts(sig.Positional[i], p.Type) {
				fail(p.Pos, "argument %d of '%s' must be a %s, not a %s", i+1, cmd.Name, sig.Positional[i], p.Type)
			}
		}
	}
	for _, g := range sig.RequiredGroups {
		if _, set := ctx.groups[g]; !set {
			fail(cmd.Pos, "'%s' requires one of %s", cmd.Name, groupTags(sig, g))
		}
	}
	if !ok {
		return nil, false
	}

	if sig.Matching {
		name := DefaultComparator
		pos := cmd.Pos
		if cmpArg != nil {
			name, pos = cmpArg.Str, cmpArg.Pos
		}
		ce, found := v.comparators[name]
		switch {
		case !found:
			v.Errorf(pos, "unknown comparator '%s'", name)
			return nil, false
		case !v.usable(ce.ext):
			v.Errorf(pos, "comparator '%s' requires extension '%s'", name, v.extName(ce.ext))
			return nil, false
		}
		ctx.Comparator = ce.cmp
		if ctx.MatchType == nil {
			ctx.MatchType = v.matchTypes[DefaultMatchType].mt
		}
		for _, k := range ctx.Keys().Members() {
			if err := ctx.MatchType.ValidateContext(v, k, ctx.Comparator); err != nil {
				fail(k.Pos, "%v", err)
			}
		}
	}
	return ctx, ok
}

func groupTags(sig Signature, group string) string {
	var tags []string
	for name, spec := range sig.Tags {
		if spec.Group == group {
			tags = append(tags, ":"+name)
		}
	}
	slices.Sort(tags)
	return strings.Join(tags, " or ")
}
