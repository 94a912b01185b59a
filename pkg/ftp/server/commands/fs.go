package commands

import (
	"context"
	"path"
	"strings"

	"github.com/goftpd/goftpd/pkg/ftp/reply"
	"github.com/goftpd/goftpd/pkg/ftp/session"
	"github.com/goftpd/goftpd/pkg/ftp/storage"
)

// resolvePath joins a (possibly relative) argument against the session's
// cwd the way every path-taking handler needs it.
func resolvePath(cc *CommandContext, arg string) string {
	if arg == "" {
		return cc.Session.Cwd()
	}
	if strings.HasPrefix(arg, "/") {
		return path.Clean(arg)
	}
	return path.Clean(path.Join(cc.Session.Cwd(), arg))
}

// Cwd handles CWD: a synchronous state mutation after confirming the
// target exists via Metadata.
func Cwd(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	target := resolvePath(cc, cc.Cmd.Path)
	meta, err := cc.Deps.Storage.Metadata(ctx, user(cc), target)
	if err != nil {
		return StorageReply(target, err), nil
	}
	if !meta.IsDir {
		return reply.Newf(reply.CodeFileNotFound, "%s: not a directory", target), nil
	}
	cc.Session.SetCwd(target)
	cc.Session.ClearRename()
	return reply.New(reply.CodeFileActionOK, "Directory changed to "+target), nil
}

// Cdup handles CDUP: CWD to the parent directory.
func Cdup(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	parent := path.Dir(cc.Session.Cwd())
	cc.Session.SetCwd(parent)
	cc.Session.ClearRename()
	return reply.New(reply.CodeFileActionOK, "Directory changed to "+parent), nil
}

// Pwd handles PWD.
func Pwd(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	cc.Session.ClearRename()
	return reply.Newf(reply.CodePathCreated, "%q is the current directory", cc.Session.Cwd()), nil
}

// Mkd handles MKD: a deferred storage call.
func Mkd(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	cc.Session.ClearRename()
	target := resolvePath(cc, cc.Cmd.Path)
	go func() {
		if err := cc.Deps.Storage.MkDir(cc.ConnCtx, user(cc), target); err != nil {
			cc.PostReply(session.ControlChanMsg{Kind: session.MsgStorageError, Error: err, Path: target})
			return
		}
		r := reply.Newf(reply.CodePathCreated, "%q directory created", target)
		cc.PostReply(session.ControlChanMsg{Kind: session.MsgMkdirSuccess, Reply: r, Path: target})
	}()
	return reply.None(), nil
}

// Rmd handles RMD: a deferred storage call.
func Rmd(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	cc.Session.ClearRename()
	target := resolvePath(cc, cc.Cmd.Path)
	go func() {
		if err := cc.Deps.Storage.RmDir(cc.ConnCtx, user(cc), target); err != nil {
			cc.PostReply(session.ControlChanMsg{Kind: session.MsgStorageError, Error: err, Path: target})
			return
		}
		r := reply.New(reply.CodeFileActionOK, "Directory removed")
		cc.PostReply(session.ControlChanMsg{Kind: session.MsgRmdirSuccess, Reply: r, Path: target})
	}()
	return reply.None(), nil
}

// Dele handles DELE: a deferred storage call.
func Dele(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	cc.Session.ClearRename()
	target := resolvePath(cc, cc.Cmd.Path)
	go func() {
		if err := cc.Deps.Storage.Del(cc.ConnCtx, user(cc), target); err != nil {
			cc.PostReply(session.ControlChanMsg{Kind: session.MsgStorageError, Error: err, Path: target})
			return
		}
		r := reply.New(reply.CodeFileActionOK, "File deleted")
		cc.PostReply(session.ControlChanMsg{Kind: session.MsgDelSuccess, Reply: r, Path: target})
	}()
	return reply.None(), nil
}

// Rnfr handles RNFR: arms rename_from after a successful metadata lookup.
// This is synchronous enough (one Metadata call) to keep as a direct reply
// rather than a deferred one, matching the 350/550 pairing tests literally.
func Rnfr(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	target := resolvePath(cc, cc.Cmd.Path)
	if _, err := cc.Deps.Storage.Metadata(ctx, user(cc), target); err != nil {
		return StorageReply(target, err), nil
	}
	cc.Session.ArmRename(target)
	return reply.New(reply.CodeFileActionPending, "Tell me more, send RNTO"), nil
}

// Rnto handles RNTO: consumes rename_from and issues the backend rename, as
// a deferred storage call. Fails 503 with no RNFR armed.
func Rnto(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	from, ok := cc.Session.ConsumeRename()
	if !ok {
		return reply.New(reply.CodeBadSequence, "RNFR required first"), nil
	}
	to := resolvePath(cc, cc.Cmd.Path)
	go func() {
		if err := cc.Deps.Storage.Rename(cc.ConnCtx, user(cc), from, to); err != nil {
			cc.PostReply(session.ControlChanMsg{Kind: session.MsgStorageError, Error: err, Path: to})
			return
		}
		r := reply.New(reply.CodeRenamed, "Renamed")
		cc.PostReply(session.ControlChanMsg{Kind: session.MsgRenameSuccess, Reply: r, Path: to})
	}()
	return reply.None(), nil
}

// Size handles SIZE: a deferred storage call reporting Metadata.Len.
func Size(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	target := resolvePath(cc, cc.Cmd.Path)
	go func() {
		meta, err := cc.Deps.Storage.Metadata(cc.ConnCtx, user(cc), target)
		if err != nil {
			cc.PostReply(session.ControlChanMsg{Kind: session.MsgStorageError, Error: err, Path: target})
			return
		}
		r := reply.Newf(reply.CodeFileStatus, "%d", meta.Len)
		cc.PostReply(session.ControlChanMsg{Kind: session.MsgCommandChannelReply, Reply: r, Path: target})
	}()
	return reply.None(), nil
}

// Mdtm handles MDTM: a deferred storage call reporting Metadata.Modified in
// the RFC 3659 YYYYMMDDHHMMSS format.
func Mdtm(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	target := resolvePath(cc, cc.Cmd.Path)
	go func() {
		meta, err := cc.Deps.Storage.Metadata(cc.ConnCtx, user(cc), target)
		if err != nil {
			cc.PostReply(session.ControlChanMsg{Kind: session.MsgStorageError, Error: err, Path: target})
			return
		}
		r := reply.Newf(reply.CodeFileStatus, "%s", meta.Modified.UTC().Format("20060102150405"))
		cc.PostReply(session.ControlChanMsg{Kind: session.MsgCommandChannelReply, Reply: r, Path: target})
	}()
	return reply.None(), nil
}

// siteMD5 handles the "SITE MD5 <path>" sub-command, gated on Deps.SiteMD5
// and the backend's FeatureSiteMD5 advertisement.
func siteMD5(ctx context.Context, cc *CommandContext, arg string) (reply.Reply, error) {
	if cc.Deps.SiteMD5 == SiteMD5Disabled {
		return reply.New(reply.CodeNotImplemented, "SITE MD5 disabled"), nil
	}
	if !cc.Deps.Storage.Features().Has(storage.FeatureSiteMD5) {
		return reply.New(reply.CodeNotImplemented, "SITE MD5 not supported by storage backend"), nil
	}
	target := resolvePath(cc, arg)
	go func() {
		sum, err := cc.Deps.Storage.MD5(cc.ConnCtx, user(cc), target)
		if err != nil {
			cc.PostReply(session.ControlChanMsg{Kind: session.MsgStorageError, Error: err, Path: target})
			return
		}
		r := reply.Newf(reply.CodeOK, "%s %s", sum, target)
		cc.PostReply(session.ControlChanMsg{Kind: session.MsgCommandChannelReply, Reply: r, Path: target})
	}()
	return reply.None(), nil
}

// Stat handles STAT <path> (the deferred-reply shape; the argument-less
// "status of the server" form is handled in misc.go).
func Stat(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	target := resolvePath(cc, cc.Cmd.Path)
	go func() {
		r, err := cc.Deps.Storage.ListFmt(cc.ConnCtx, user(cc), target)
		if err != nil {
			cc.PostReply(session.ControlChanMsg{Kind: session.MsgStorageError, Error: err, Path: target})
			return
		}
		lines, readErr := readLines(r)
		if readErr != nil {
			cc.PostReply(session.ControlChanMsg{Kind: session.MsgStorageError, Error: readErr, Path: target})
			return
		}
		out := reply.MultiLine(reply.CodeDirStatus, append([]string{"Status of " + target + ":"}, lines...)...)
		cc.PostReply(session.ControlChanMsg{Kind: session.MsgCommandChannelReply, Reply: out, Path: target})
	}()
	return reply.None(), nil
}
