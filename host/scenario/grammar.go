package scenario

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// ScriptLexer tokenizes scenario scripts. Options are written key=value
// with no spaces so that the key and its "=" form a single token.
var ScriptLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[ \t\r\n]+`},

	{Name: "Key", Pattern: `[a-zA-Z][a-zA-Z0-9_]*=`},

	{Name: "Hex", Pattern: `0[xX][0-9a-fA-F]+`},
	{Name: "Duration", Pattern: `[0-9]+(?:ns|us|ms|s)\b`},
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},

	{Name: "Ident", Pattern: `[a-zA-Z][a-zA-Z0-9_-]*`},
})

// Script is a parsed scenario.
type Script struct {
	Statements []*Statement `@@*`
}

// Statement is one scenario step.
type Statement struct {
	Pos lexer.Position

	Config      *ConfigStmt      `  @@`
	Attach      *AttachStmt      `| @@`
	Detach      bool             `| @"detach"`
	Tick        *TickStmt        `| @@`
	Advance     *AdvanceStmt     `| @@`
	Enable      *EnableStmt      `| @@`
	Disable     *DisableStmt     `| @@`
	Queue       *QueueStmt       `| @@`
	Fault       *FaultStmt       `| @@`
	Busy        *BusyStmt        `| @@`
	Submit      *SubmitStmt      `| @@`
	Cancel      *CancelStmt      `| @@`
	DMAComplete *DMACompleteStmt `| @@`
	IRQ         bool             `| @"irq"`
	Expect      *ExpectStmt      `| @@`
}

// Option is a key=value argument.
type Option struct {
	Key   string `@Key`
	Value *Value `@@`
}

// Name returns the option key without its "=".
func (o *Option) Name() string {
	return strings.TrimSuffix(o.Key, "=")
}

// Value is a literal argument.
type Value struct {
	Duration *string `  @Duration`
	Number   *string `| @(Hex | Int)`
	String   *string `| @String`
	Ident    *string `| @Ident`
}

// Int returns the value as an integer. Hex literals are accepted.
func (v *Value) Int() (int, error) {
	if v.Number == nil {
		return 0, fmt.Errorf("%s is not a number", v)
	}
	return parseNumber(*v.Number)
}

// Text returns a string or identifier value unquoted.
func (v *Value) Text() (string, error) {
	switch {
	case v.String != nil:
		return strconv.Unquote(*v.String)
	case v.Ident != nil:
		return *v.Ident, nil
	}
	return "", fmt.Errorf("%s is not text", v)
}

// Bool parses true/false, yes/no and on/off.
func (v *Value) Bool() (bool, error) {
	s, err := v.Text()
	if err != nil {
		return false, err
	}
	switch s {
	case "true", "yes", "on":
		return true, nil
	case "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a boolean", s)
}

// TOML renders the value as a TOML literal.
func (v *Value) TOML() (string, error) {
	switch {
	case v.Number != nil:
		n, err := parseNumber(*v.Number)
		return strconv.Itoa(n), err
	case v.Duration != nil:
		return strconv.Quote(*v.Duration), nil
	case v.Ident != nil && (*v.Ident == "true" || *v.Ident == "false"):
		return *v.Ident, nil
	}
	s, err := v.Text()
	return strconv.Quote(s), err
}

func (v *Value) raw() string {
	switch {
	case v.Duration != nil:
		return *v.Duration
	case v.Number != nil:
		return *v.Number
	case v.String != nil:
		return *v.String
	case v.Ident != nil:
		return *v.Ident
	}
	return ""
}

// Format implements fmt.Formatter so values print as written.
func (v *Value) Format(f fmt.State, _ rune) {
	io.WriteString(f, v.raw())
}

// ConfigStmt overrides one controller tunable before the controller starts.
//
//	config dma_threshold=256
type ConfigStmt struct {
	Option *Option `"config" @@`
}

// AttachStmt connects the device and waits until it is accepted.
//
//	attach [low|full|high]
type AttachStmt struct {
	Speed string `"attach" @("low" | "full" | "high")?`
}

// TickStmt feeds connection samples to the hotplug monitor, waiting for
// each one to be read.
//
//	tick detached attached attached
type TickStmt struct {
	Samples []string `"tick" @("attached" | "detached")+`
}

// AdvanceStmt moves simulated time forward.
//
//	advance 3s
type AdvanceStmt struct {
	Duration string `"advance" @Duration`
}

// EnableStmt enables an endpoint.
//
//	enable 0x81 bulk maxp=64
//	enable 0x83 interrupt maxp=8 interval=4
type EnableStmt struct {
	Addr    string    `"enable" @(Hex | Int)`
	Type    string    `@("control" | "bulk" | "interrupt" | "iso" | "isochronous")`
	Options []*Option `@@*`
}

// DisableStmt disables an idle endpoint.
//
//	disable 0x81
type DisableStmt struct {
	Addr string `"disable" @(Hex | Int)`
}

// QueueStmt queues IN data on the device side of an endpoint. On the
// control endpoint it sets the response to every IN data stage.
//
//	queue 0x81 100
type QueueStmt struct {
	Addr   string `"queue" @(Hex | Int)`
	Length string `@(Hex | Int)`
}

// FaultStmt makes the next hardware attempts on an endpoint fail.
//
//	fault 0x81 no-handshake 51
type FaultStmt struct {
	Addr  string `"fault" @(Hex | Int)`
	Code  string `@("no-handshake" | "pid-error" | "stall" | "reserved")`
	Count string `@Int?`
}

// BusyStmt forces the FIFO busy indication of an endpoint.
//
//	busy 0x02 on
type BusyStmt struct {
	Addr  string `"busy" @(Hex | Int)`
	State string `@("on" | "off")`
}

// SubmitStmt submits a named transfer. Control transfers take a setup
// clause; wLength is the transfer length.
//
//	submit big 0x81 4096
//	submit desc 0x00 18 setup 0x80 0x06 0x0100 0x0000
type SubmitStmt struct {
	Name   string       `"submit" @Ident`
	Addr   string       `@(Hex | Int)`
	Length string       `@(Hex | Int)`
	Setup  *SetupClause `@@?`
}

// SetupClause is the SETUP packet of a control transfer.
type SetupClause struct {
	RequestType string `"setup" @(Hex | Int)`
	Request     string `@(Hex | Int)`
	Value       string `@(Hex | Int)`
	Index       string `@(Hex | Int)`
}

// CancelStmt cancels a named transfer.
//
//	cancel big [status=timeout]
type CancelStmt struct {
	Name    string    `"cancel" @Ident`
	Options []*Option `@@*`
}

// DMACompleteStmt finishes a running DMA channel.
//
//	dma-complete 0 [remaining=0]
type DMACompleteStmt struct {
	Channel string    `"dma-complete" @Int`
	Options []*Option `@@*`
}

// ExpectStmt asserts controller state.
type ExpectStmt struct {
	Request  *ExpectRequest  `"expect" ( @@`
	Channel  *ExpectChannel  `         | @@`
	Events   *ExpectEvents   `         | @@`
	Endpoint *ExpectEndpoint `         | @@ )`
}

// ExpectRequest checks a named request.
//
//	expect request big finished status=success actual=4096
type ExpectRequest struct {
	Name    string    `"request" @Ident`
	State   string    `@Ident`
	Options []*Option `@@*`
}

// ExpectChannel checks which request a DMA channel serves.
//
//	expect channel 0 big
//	expect channel 1 free
type ExpectChannel struct {
	Channel string `"channel" @Int`
	Owner   string `@Ident`
}

// ExpectEvents checks every connection event so far, in order.
//
//	expect events attached device-gone
type ExpectEvents struct {
	Events []string `"events" @("attached" | "detached" | "device-gone" | "shutdown")*`
}

// ExpectEndpoint checks endpoint counters.
//
//	expect endpoint 0x81 unlinked=2 stalled=false
type ExpectEndpoint struct {
	Addr    string    `"endpoint" @(Hex | Int)`
	Options []*Option `@@+`
}

// Parser parses scenario scripts.
type Parser struct {
	parser *participle.Parser[Script]
}

// NewParser creates a scenario parser.
func NewParser() (*Parser, error) {
	parser, err := participle.Build[Script](
		participle.Lexer(ScriptLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(2),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}
	return &Parser{parser: parser}, nil
}

// Parse parses a script from r. The name is used in positions.
func (p *Parser) Parse(name string, r io.Reader) (*Script, error) {
	s, err := p.parser.Parse(name, r)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return s, nil
}

// ParseString parses a script held in memory.
func (p *Parser) ParseString(name, input string) (*Script, error) {
	s, err := p.parser.ParseString(name, input)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return s, nil
}

// ParseFile parses a script file.
func (p *Parser) ParseFile(filename string) (*Script, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(filename, file)
}

func parseNumber(s string) (int, error) {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return int(n), nil
}
