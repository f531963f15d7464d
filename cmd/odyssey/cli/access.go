package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/odyssey-cms/internal/rbac"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
)

// RBACService is the permission administration used by the CLI.
type RBACService interface {
	ListPermissions(ctx context.Context) ([]rbac.Permission, error)
	ListRoles(ctx context.Context) ([]string, error)
	SetRolePermissions(ctx context.Context, role string, permissionIDs []int64) error
	GrantUserPermission(ctx context.Context, userID, permissionID int64, reason string, expiresAt *time.Time, grantedBy *int64) error
	RevokeUserPermission(ctx context.Context, userID, permissionID int64) error
	DeletePermission(ctx context.Context, id int64) error
}

// UserService is the account administration used by the CLI.
type UserService interface {
	ListUsers(ctx context.Context) ([]users.User, error)
	Activate(ctx context.Context, id int64) error
	Deactivate(ctx context.Context, id int64) error
	Lock(ctx context.Context, id int64, until time.Time) error
	Delete(ctx context.Context, id int64) error
}

// CacheOps triggers invalidations that are not tied to a record write.
type CacheOps interface {
	InvalidatePattern(ctx context.Context, pattern string) error
	Reset(ctx context.Context) error
}

// AccessOptions wires the access CLI.
type AccessOptions struct {
	RBAC   RBACService
	Users  UserService
	Cache  CacheOps
	Queue  QueueInspector
	Stdout io.Writer
	Stderr io.Writer
	Now    func() time.Time
}

// AccessCLI administers permissions, accounts and caches from the shell.
type AccessCLI struct {
	opts     AccessOptions
	commands map[string]accessCommand
}

type accessCommand struct {
	usage string
	run   func(ctx context.Context, args []string) error
}

var errUsage = errors.New("usage")

// NewAccessCLI builds the CLI.
func NewAccessCLI(opts AccessOptions) *AccessCLI {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	c := &AccessCLI{opts: opts}
	c.commands = map[string]accessCommand{
		"permissions":       {"permissions [--json]", c.listPermissions},
		"roles":             {"roles", c.listRoles},
		"role-set":          {"role-set <role> --permission <id> [--permission <id>...]", c.setRole},
		"grant":             {"grant <user-id> <permission-id> [--reason text] [--for 24h] [--by user-id]", c.grant},
		"revoke":            {"revoke <user-id> <permission-id>", c.revoke},
		"permission-delete": {"permission-delete <permission-id>", c.deletePermission},
		"users":             {"users [--json]", c.listUsers},
		"user-activate":     {"user-activate <user-id>", c.userAction(func(s UserService) func(context.Context, int64) error { return s.Activate })},
		"user-deactivate":   {"user-deactivate <user-id>", c.userAction(func(s UserService) func(context.Context, int64) error { return s.Deactivate })},
		"user-delete":       {"user-delete <user-id>", c.userAction(func(s UserService) func(context.Context, int64) error { return s.Delete })},
		"user-lock":         {"user-lock <user-id> --for <duration>", c.lockUser},
		"invalidate":        {"invalidate <pattern>", c.invalidate},
		"reset":             {"reset", c.reset},
		"queue":             {"queue [--json] [--retrying n]", c.queue},
	}
	return c
}

// Run executes one command and returns the process exit code.
func (c *AccessCLI) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		c.printUsage()
		return 2
	}
	cmd, ok := c.commands[args[0]]
	if !ok {
		fmt.Fprintf(c.opts.Stderr, "unknown command %q\n", args[0])
		c.printUsage()
		return 2
	}
	err := cmd.run(ctx, args[1:])
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pflag.ErrHelp):
		fmt.Fprintf(c.opts.Stderr, "usage: odyssey access %s\n", cmd.usage)
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(c.opts.Stderr, "%v\nusage: odyssey access %s\n", err, cmd.usage)
		return 2
	default:
		fmt.Fprintf(c.opts.Stderr, "error: %v\n", err)
		return 1
	}
}

func (c *AccessCLI) printUsage() {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(c.opts.Stderr, "usage: odyssey access <command> [args]")
	for _, name := range names {
		fmt.Fprintf(c.opts.Stderr, "  %s\n", c.commands[name].usage)
	}
}

func (c *AccessCLI) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (c *AccessCLI) listPermissions(ctx context.Context, args []string) error {
	fs := c.flags("permissions")
	asJSON := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	perms, err := c.opts.RBAC.ListPermissions(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return c.writeJSON(perms)
	}
	w := tabwriter.NewWriter(c.opts.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tACTIVE\tSYSTEM")
	for _, p := range perms {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%t\n", p.ID, p.Name, p.Category, p.IsActive, p.IsSystemPermission)
	}
	return w.Flush()
}

func (c *AccessCLI) listRoles(ctx context.Context, args []string) error {
	roles, err := c.opts.RBAC.ListRoles(ctx)
	if err != nil {
		return err
	}
	for _, role := range roles {
		fmt.Fprintln(c.opts.Stdout, role)
	}
	return nil
}

func (c *AccessCLI) setRole(ctx context.Context, args []string) error {
	fs := c.flags("role-set")
	ids := fs.Int64Slice("permission", nil, "permission id granted to the role")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: expected a role", errUsage)
	}
	if err := c.opts.RBAC.SetRolePermissions(ctx, fs.Arg(0), *ids); err != nil {
		return err
	}
	fmt.Fprintf(c.opts.Stdout, "role %s now holds %d permissions\n", fs.Arg(0), len(*ids))
	return nil
}

func (c *AccessCLI) grant(ctx context.Context, args []string) error {
	fs := c.flags("grant")
	reason := fs.String("reason", "", "why the grant was made")
	validFor := fs.Duration("for", 0, "grant lifetime; zero never expires")
	by := fs.Int64("by", 0, "id of the granting user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userID, permID, err := twoIDs(fs)
	if err != nil {
		return err
	}
	var expiresAt *time.Time
	if *validFor > 0 {
		at := c.opts.Now().Add(*validFor)
		expiresAt = &at
	} else if *validFor < 0 {
		return fmt.Errorf("%w: --for must be positive", errUsage)
	}
	var grantedBy *int64
	if *by > 0 {
		grantedBy = by
	}
	if err := c.opts.RBAC.GrantUserPermission(ctx, userID, permID, *reason, expiresAt, grantedBy); err != nil {
		return err
	}
	fmt.Fprintf(c.opts.Stdout, "granted permission %d to user %d\n", permID, userID)
	return nil
}

func (c *AccessCLI) revoke(ctx context.Context, args []string) error {
	fs := c.flags("revoke")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userID, permID, err := twoIDs(fs)
	if err != nil {
		return err
	}
	if err := c.opts.RBAC.RevokeUserPermission(ctx, userID, permID); err != nil {
		return err
	}
	fmt.Fprintf(c.opts.Stdout, "revoked permission %d from user %d\n", permID, userID)
	return nil
}

func (c *AccessCLI) deletePermission(ctx context.Context, args []string) error {
	id, err := oneID(c.flags("permission-delete"), args)
	if err != nil {
		return err
	}
	return c.opts.RBAC.DeletePermission(ctx, id)
}

func (c *AccessCLI) listUsers(ctx context.Context, args []string) error {
	fs := c.flags("users")
	asJSON := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	list, err := c.opts.Users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return c.writeJSON(list)
	}
	now := c.opts.Now()
	w := tabwriter.NewWriter(c.opts.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tROLE\tACTIVE\tLOCKED")
	for _, u := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%t\n", u.ID, u.Email, u.Role, u.IsActive, u.IsLocked(now))
	}
	return w.Flush()
}

func (c *AccessCLI) userAction(pick func(UserService) func(context.Context, int64) error) func(context.Context, []string) error {
	return func(ctx context.Context, args []string) error {
		id, err := oneID(c.flags("user"), args)
		if err != nil {
			return err
		}
		return pick(c.opts.Users)(ctx, id)
	}
}

func (c *AccessCLI) lockUser(ctx context.Context, args []string) error {
	fs := c.flags("user-lock")
	lockFor := fs.Duration("for", 0, "lock duration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *lockFor <= 0 {
		return fmt.Errorf("%w: --for must be positive", errUsage)
	}
	id, err := oneID(c.flags("user-lock"), fs.Args())
	if err != nil {
		return err
	}
	until := c.opts.Now().Add(*lockFor)
	if err := c.opts.Users.Lock(ctx, id, until); err != nil {
		return err
	}
	fmt.Fprintf(c.opts.Stdout, "user %d locked until %s\n", id, until.Format(time.RFC3339))
	return nil
}

func (c *AccessCLI) invalidate(ctx context.Context, args []string) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return fmt.Errorf("%w: expected a pattern", errUsage)
	}
	return c.opts.Cache.InvalidatePattern(ctx, args[0])
}

func (c *AccessCLI) reset(ctx context.Context, args []string) error {
	return c.opts.Cache.Reset(ctx)
}

func (c *AccessCLI) queue(ctx context.Context, args []string) error {
	fs := c.flags("queue")
	asJSON := fs.Bool("json", false, "output as JSON")
	retrying := fs.Int("retrying", 0, "list up to n tasks waiting for retry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	stats, err := InspectQueue(c.opts.Queue)
	if err != nil {
		return err
	}
	if *asJSON {
		return c.writeJSON(stats)
	}
	fmt.Fprintf(c.opts.Stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	if *retrying <= 0 {
		return nil
	}
	tasks, err := ListRetrying(c.opts.Queue, *retrying)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		fmt.Fprintf(c.opts.Stdout, "%s\t%s\tretried=%d\t%s\n", t.ID, t.Type, t.Retried, t.LastErr)
	}
	return nil
}

func (c *AccessCLI) writeJSON(v any) error {
	enc := json.NewEncoder(c.opts.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneID(fs *pflag.FlagSet, args []string) (int64, error) {
	if err := fs.Parse(args); err != nil {
		return 0, err
	}
	if fs.NArg() != 1 {
		return 0, fmt.Errorf("%w: expected one id", errUsage)
	}
	return parseID(fs.Arg(0))
}

func twoIDs(fs *pflag.FlagSet) (int64, int64, error) {
	if fs.NArg() != 2 {
		return 0, 0, fmt.Errorf("%w: expected two ids", errUsage)
	}
	first, err := parseID(fs.Arg(0))
	if err != nil {
		return 0, 0, err
	}
	second, err := parseID(fs.Arg(1))
	if err != nil {
		return 0, 0, err
	}
	return first, second, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", errUsage, raw)
	}
	return id, nil
}
