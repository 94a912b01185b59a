package commands

import (
	"context"
	"sort"
	"strings"

	"github.com/goftpd/goftpd/pkg/ftp/reply"
	"github.com/goftpd/goftpd/pkg/ftp/storage"
)

// Syst handles SYST: always reports UNIX Type: L8, matching the storage
// model's path semantics regardless of the host OS running the server.
func Syst(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return reply.New(reply.CodeSystemType, "UNIX Type: L8"), nil
}

// Help handles HELP: no per-command help text is modelled, so it reports
// only that the server is alive and accepting commands.
func Help(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return reply.New(reply.CodeHelp, "Help not available"), nil
}

// Noop handles NOOP.
func Noop(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return reply.New(reply.CodeOK, "NOOP ok"), nil
}

// Quit handles QUIT: the reply is synchronous; the control loop (server.go)
// closes the connection after writing it, recognising the QUIT verb itself
// rather than needing a ControlChanMsg round-trip.
func Quit(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return reply.New(reply.CodeClosing, "Goodbye"), nil
}

// Feat handles FEAT: the advertised extension set depends on what TLS and
// the storage backend support, so the line set is assembled per-connection
// rather than fixed.
func Feat(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	// Each entry carries its own leading space per RFC 2389: Encode's
	// multi-line indentation only triggers on a line whose first visible
	// character is a digit, so a bare "SIZE" would ride the wire unindented.
	lines := []string{" SIZE", " MDTM", " UTF8"}
	if cc.Deps.TLSConfig != nil {
		lines = append(lines, " AUTH TLS", " PBSZ", " PROT")
	}
	if cc.Deps.Storage.Features().Has(storage.FeatureRestart) {
		lines = append(lines, " REST STREAM")
	}
	if cc.Deps.Storage.Features().Has(storage.FeatureSiteMD5) {
		lines = append(lines, " SITE MD5")
	}
	sort.Strings(lines)

	out := make([]string, 0, len(lines)+2)
	out = append(out, "Extensions supported:")
	out = append(out, lines...)
	out = append(out, "End")
	return reply.MultiLine(reply.CodeSystemStatus, out...), nil
}

// Opts handles OPTS: only "OPTS UTF8 ON/OFF" is meaningful, since every path
// the server produces is already UTF-8.
func Opts(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	fields := strings.Fields(cc.Cmd.OptsArg)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "UTF8") {
		return reply.New(reply.CodeNotImplementedArg, "Option not supported"), nil
	}
	switch strings.ToUpper(fields[1]) {
	case "ON":
		return reply.New(reply.CodeOK, "UTF8 mode enabled"), nil
	default:
		return reply.New(reply.CodeNotImplementedArg, "UTF8 cannot be disabled"), nil
	}
}

// Site handles SITE: dispatches recognised sub-commands, currently just
// MD5; anything else reports not implemented.
func Site(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	fields := strings.SplitN(strings.TrimSpace(cc.Cmd.SiteArg), " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return reply.New(reply.CodeSyntaxErrorParam, "SITE requires a sub-command"), nil
	}
	sub := strings.ToUpper(fields[0])
	arg := ""
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	switch sub {
	case "MD5":
		return siteMD5(ctx, cc, arg)
	default:
		return reply.New(reply.CodeNotImplemented, "SITE "+sub+" not implemented"), nil
	}
}
