package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hms/hms-console/internal/branch"
	"github.com/hms/hms-console/internal/config"
	"github.com/hms/hms-console/internal/department"
	"github.com/hms/hms-console/internal/permission"
	"github.com/hms/hms-console/internal/platform/api"
	"github.com/hms/hms-console/internal/platform/cache"
	"github.com/hms/hms-console/internal/platform/sandbox"
	"github.com/hms/hms-console/internal/platform/storage"
	"github.com/hms/hms-console/internal/session"
	"github.com/hms/hms-console/pkg/pagination"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hms-console",
		Short: "Hospital management console client",
	}

	rootCmd.AddCommand(branchesCmd())
	rootCmd.AddCommand(switchCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(permsCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(sandboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// deps is the wired client core shared by every command.
type deps struct {
	cfg      *config.Config
	logger   zerolog.Logger
	sess     *session.Store
	client   *api.Client
	branches *branch.Context
	depts    *department.Resolver
	perms    *permission.Service
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func buildDeps() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	store, err := storage.NewFileStore(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	sess := session.NewStore(store, logger, func() {
		fmt.Fprintln(os.Stderr, "session ended; please log in again")
	})

	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = "http://localhost:" + cfg.SandboxPort
	}
	client, err := api.NewClient(api.Config{
		BaseURL:        baseURL,
		Timeout:        cfg.Timeout(),
		Tokens:         api.TokenFunc(sess.Token),
		Logger:         logger,
		OnUnauthorized: sess.Logout,
	})
	if err != nil {
		return nil, err
	}

	branches := branch.NewContext(branch.Config{
		API:     client,
		Session: sess,
		Storage: store,
		Cache:   cache.New[[]branch.Branch](cfg.CacheTTL(), nil),
		Logger:  logger,
	})
	depts := department.NewResolver(client, logger)
	branches.OnInvalidate(depts.Reset)

	return &deps{
		cfg:      cfg,
		logger:   logger,
		sess:     sess,
		client:   client,
		branches: branches,
		depts:    depts,
		perms:    permission.NewService(client, logger),
	}, nil
}

// ready hydrates from the snapshot and refreshes from the backend.
func (d *deps) ready(ctx context.Context) error {
	hydrated := d.branches.Hydrate()
	if err := d.branches.Refresh(ctx); err != nil {
		if !hydrated {
			return err
		}
		d.logger.Warn().Err(err).Msg("running on stale branch snapshot")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Branch commands
// ---------------------------------------------------------------------------

func branchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "branches",
		Short: "List the branches available to the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			if err := d.ready(cmd.Context()); err != nil {
				return err
			}
			current := d.branches.Current()
			for _, b := range d.branches.Branches() {
				marker := "  "
				if current != nil && current.ID == b.ID {
					marker = "* "
				}
				status := "active"
				if !b.IsActive {
					status = "inactive"
				}
				fmt.Printf("%s%-4d %-24s %-8s %s\n", marker, b.ID, b.Name, b.LocationCode, status)
			}
			return nil
		},
	}
}

func switchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <branch-id>",
		Short: "Switch the active branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid branch id %q", args[0])
			}
			d, err := buildDeps()
			if err != nil {
				return err
			}
			if err := d.ready(cmd.Context()); err != nil {
				return err
			}
			if err := d.branches.Switch(cmd.Context(), id); err != nil {
				return err
			}
			if cur := d.branches.Current(); cur != nil {
				fmt.Printf("now operating against %s (%s)\n", cur.Name, cur.LocationCode)
			}
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current user, branch, and department",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			p, ok := d.sess.Profile()
			if !ok {
				return fmt.Errorf("no session; log in first")
			}
			fmt.Printf("user:     %s (id %d)\n", p.Username, p.ID)

			if err := d.ready(cmd.Context()); err != nil {
				return err
			}
			if cur := d.branches.Current(); cur != nil {
				fmt.Printf("branch:   %s (%s)\n", cur.Name, cur.LocationCode)
			}
			if loc, ok := d.sess.ResolveActiveLocationID(); ok {
				info := d.depts.ResolveOrDefault(cmd.Context(), p.ID, loc)
				fmt.Printf("dept:     %s\n", info.DepartmentName)
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// Role / permission commands
// ---------------------------------------------------------------------------

func rolesCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "List roles for the active branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			if err := d.ready(cmd.Context()); err != nil {
				return err
			}
			loc, ok := d.sess.ResolveActiveLocationID()
			if !ok {
				return fmt.Errorf("no active branch; run switch first")
			}
			params := pagination.Params{Limit: limit, Offset: offset}.Clamped()
			page, err := d.perms.ListRoles(cmd.Context(), loc, params)
			if err != nil {
				return err
			}
			for _, r := range page.Data {
				status := "active"
				if !r.IsActive {
					status = "inactive"
				}
				fmt.Printf("%-4d %-20s %-8s modules=%v\n", r.ID, r.Name, status, r.Modules)
			}
			if params.HasNext(page.Total) {
				fmt.Printf("%d more; rerun with --offset %d\n", page.Total-params.NextOffset(), params.NextOffset())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", pagination.DefaultLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func permsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perms",
		Short: "Inspect and edit role permissions",
	}
	cmd.AddCommand(permsShowCmd())
	cmd.AddCommand(permsGrantAllCmd())
	cmd.AddCommand(permsRevokeAllCmd())
	return cmd
}

func permsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <role-id>",
		Short: "Show a role's granted permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roleID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid role id %q", args[0])
			}
			d, err := buildDeps()
			if err != nil {
				return err
			}
			tree, err := d.perms.LoadTree(cmd.Context(), roleID)
			if err != nil {
				return err
			}
			for _, rec := range permission.FlattenForView(roleID, tree) {
				node := fmt.Sprintf("module %d", rec.ModuleID)
				if rec.SubModuleID != nil {
					node = fmt.Sprintf("module %d / sub %d", rec.ModuleID, *rec.SubModuleID)
				}
				fmt.Printf("%-24s view=%d add=%d edit=%d delete=%d\n",
					node, rec.View, rec.Add, rec.Edit, rec.Delete)
			}
			return nil
		},
	}
}

func permsGrantAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant-all <role-id> <module-id> [submodule-id]",
		Short: "Grant every flag on a module or submodule and save",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return bulkPermissionEdit(cmd, args, true)
		},
	}
}

func permsRevokeAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-all <role-id> <module-id> [submodule-id]",
		Short: "Remove all access to a module or submodule and save",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return bulkPermissionEdit(cmd, args, false)
		},
	}
}

func bulkPermissionEdit(cmd *cobra.Command, args []string, grant bool) error {
	roleID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid role id %q", args[0])
	}
	moduleID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid module id %q", args[1])
	}
	var subModuleID *int64
	if len(args) == 3 {
		id, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid submodule id %q", args[2])
		}
		subModuleID = &id
	}

	d, err := buildDeps()
	if err != nil {
		return err
	}
	tree, err := d.perms.LoadTree(cmd.Context(), roleID)
	if err != nil {
		return err
	}

	m := permission.NewMatrix(roleID, tree, permission.FlattenForEdit(roleID, tree))
	if grant {
		if err := m.GrantAll(moduleID, subModuleID); err != nil {
			return err
		}
	} else {
		m.RemoveAll(moduleID, subModuleID)
	}

	// The whole record list is replaced; the backend never sees a diff.
	if err := d.perms.SavePermissions(cmd.Context(), roleID, m.Records()); err != nil {
		return err
	}
	fmt.Println("permissions saved")
	return nil
}

// ---------------------------------------------------------------------------
// Session / lifecycle commands
// ---------------------------------------------------------------------------

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Warm the branch, role, and department state in parallel",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			if err := d.ready(cmd.Context()); err != nil {
				return err
			}
			loc, ok := d.sess.ResolveActiveLocationID()
			if !ok {
				return fmt.Errorf("no active branch; run switch first")
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				_, err := d.perms.ListRoles(ctx, loc, pagination.Params{})
				return err
			})
			if p, ok := d.sess.Profile(); ok {
				g.Go(func() error {
					_, err := d.depts.Resolve(ctx, p.ID, loc)
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Println("state refreshed")
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch for out-of-band branch changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			if err := d.ready(cmd.Context()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reload := d.branches.Subscribe()
			go func() {
				for range reload {
					if cur := d.branches.Current(); cur != nil {
						fmt.Printf("branch context reset: now %s\n", cur.Name)
					}
				}
			}()

			d.logger.Info().Msg("watching for branch changes")
			d.branches.Watch(ctx, d.cfg.PollInterval())
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the session and all persisted snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			d.sess.Logout()
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// Sandbox backend
// ---------------------------------------------------------------------------

func sandboxCmd() *cobra.Command {
	var seed int64
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run the synthetic hospital backend for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			seedCfg := sandbox.DefaultSeedConfig()
			seedCfg.Seed = seed
			srv := sandbox.NewServer(seedCfg, logger)
			e := srv.Echo()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- e.Start(":" + cfg.SandboxPort)
			}()
			logger.Info().Str("port", cfg.SandboxPort).Msg("sandbox backend listening")

			select {
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := e.Shutdown(shutdownCtx); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&seed, "seed", 1, "seed for synthetic data")
	return cmd
}
