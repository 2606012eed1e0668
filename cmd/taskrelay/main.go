package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskrelay/internal/app"
	"taskrelay/internal/config"
	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/migrate"
	"taskrelay/internal/realtime"
	"taskrelay/internal/server"
	"taskrelay/internal/vault"
	"taskrelay/internal/workflow"
	taskrelaysdk "taskrelay/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "taskrelay",
	Short: "taskrelay CLI",
	Long: `taskrelay relays work units to an external workflow engine and streams progress back.
- Collection: a shared space whose members can see and drive its work units.
- Work unit: a titled conversation whose messages are dispatched as engine jobs.
- Credentials: provider access tokens, encrypted with the vault key before they are stored.
- Realtime: each work unit and collection has a channel; 'task watch' follows one.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("TASKRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/taskrelay.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(collectionCmd())
	rootCmd.AddCommand(credentialsCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage taskrelay.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Printf("%s wrote %s\n", color.GreenString("✓"), path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			redact(&c.Auth.JWTSecret)
			redact(&c.Engine.APIKey)
			redact(&c.Webhook.Secret)
			redact(&c.Vault.Key)
			for id := range c.Vault.PreviousKeys {
				c.Vault.PreviousKeys[id] = "***"
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if !workflow.New(c.Workflow()).Configured() {
				fmt.Println(color.YellowString("!"), "workflow engine not configured; messages will be recorded without dispatch")
			}
			if c.Vault.Key == "" {
				fmt.Println(color.YellowString("!"), "vault key not configured; credentials cannot be stored")
			}
			fmt.Println(color.GreenString("✓"), "config valid")
			return nil
		},
	})
	return cfg
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := migrate.Version(ctx, rt.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v, "path": db.Path(viper.GetString("workspace"))})
				}
				fmt.Printf("%s schema at version %d (%s)\n", color.GreenString("✓"), v, db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage vault keys"}
	var keyID string
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate a 256-bit vault key",
		Long:  "Prints a new key. Put it in vault.key (or TASKRELAY_VAULT_KEY) and move the previous key under vault.previous_keys so existing envelopes stay readable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"key_id": keyID, "key": k})
			}
			fmt.Printf("key_id: %s\nkey: %s\n", keyID, k)
			return nil
		},
	}
	gen.Flags().StringVar(&keyID, "key-id", time.Now().UTC().Format("20060102"), "identifier recorded in new envelopes")
	key.AddCommand(gen)
	return key
}

func collectionCmd() *cobra.Command {
	col := &cobra.Command{Use: "collection", Short: "Manage collections"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCollection(ctx, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "collection name")
	_ = create.MarkFlagRequired("name")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a collection and its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCollection(ctx, args[0])
				if err != nil {
					return err
				}
				members, err := e.Repo.ListMembers(ctx, c.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"collection": c, "members": members})
				}
				fmt.Printf("Collection: %s (%s)\n", c.Name, c.ID)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Member"})
				for _, m := range members {
					tw.AppendRow(table.Row{m})
				}
				tw.Render()
				return nil
			})
		},
	}

	addMember := &cobra.Command{
		Use:   "add-member <collection-id> <actor-id>",
		Short: "Grant an actor access to a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AddMember(ctx, args[0], args[1])
			})
		},
	}

	var inf domain.Infrastructure
	infra := &cobra.Command{
		Use:   "infra <collection-id>",
		Short: "Set sandbox and pool used for a collection's jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inf.CollectionID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.SetInfrastructure(ctx, inf)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	infra.Flags().StringVar(&inf.SandboxURL, "sandbox-url", "", "sandbox URL")
	infra.Flags().StringVar(&inf.SecretAlias, "secret-alias", "", "secret alias")
	infra.Flags().StringVar(&inf.PoolID, "pool-id", "", "worker pool id")

	col.AddCommand(create, show, addMember, infra)
	return col
}

func credentialsCmd() *cobra.Command {
	cred := &cobra.Command{Use: "credentials", Short: "Manage provider credentials"}
	var provider, handle, token string
	set := &cobra.Command{
		Use:   "set",
		Short: "Encrypt and store an access token for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("TASKRELAY_PROVIDER_TOKEN")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acct, err := e.SetCredential(ctx, viper.GetString("actor-id"), provider, handle, token)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(acct)
				}
				fmt.Printf("%s stored %s token for %s (key %s)\n", color.GreenString("✓"), acct.Provider, acct.Handle, e.Vault.ActiveKeyID())
				return nil
			})
		},
	}
	set.Flags().StringVar(&provider, "provider", "github", "identity provider")
	set.Flags().StringVar(&handle, "handle", "", "provider username")
	set.Flags().StringVar(&token, "token", "", "access token (or TASKRELAY_PROVIDER_TOKEN)")
	_ = set.MarkFlagRequired("handle")
	cred.AddCommand(set)
	return cred
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage work units",
		Long:  "Work units move created -> queued -> running -> completed|failed. Every message you add is dispatched to the workflow engine as a new job.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskContinueCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskRenameCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskHistoryCmd())
	task.AddCommand(taskWatchCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.CreateWorkUnitOptions
	var estimate float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work unit and dispatch its first message",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("estimate") {
				opts.Estimate = &estimate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateWorkUnitAndDispatch(ctx, opts)
				if err != nil {
					return err
				}
				return printOutcome(res.WorkUnit, res.Message, res.Dispatch)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CollectionID, "collection", "", "collection id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Message, "message", "", "first message")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringVar(&opts.RepositoryRef, "repository", "", "repository reference")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "estimate")
	cmd.Flags().StringVar(&opts.Mode, "mode", workflow.ModeDefault, "execution mode (live, test, unit, integration, default)")
	cmd.Flags().StringArrayVar(&opts.ContextTags, "context", nil, "context tag (repeatable)")
	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func taskContinueCmd() *cobra.Command {
	var opts engine.ContinueOptions
	cmd := &cobra.Command{
		Use:   "continue <work-unit-id>",
		Short: "Add a message to a work unit and dispatch it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkUnitID = args[0]
			opts.CreatorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ContinueWorkUnit(ctx, opts)
				if err != nil {
					return err
				}
				return printOutcome(res.WorkUnit, res.Message, res.Dispatch)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Body, "body", "", "message body")
	cmd.Flags().StringVar(&opts.ReplyTo, "reply-to", "", "message id being answered")
	cmd.Flags().StringVar(&opts.Mode, "mode", workflow.ModeDefault, "execution mode (live, test, unit, integration, default)")
	cmd.Flags().StringArrayVar(&opts.ContextTags, "context", nil, "context tag (repeatable)")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <work-unit-id>",
		Short: "Show a work unit and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorkUnit(ctx, args[0])
				if err != nil {
					return err
				}
				msgs, err := e.Repo.ListMessages(ctx, w.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"work_unit": w, "messages": msgs})
				}
				fmt.Printf("%s  %s\n", w.Title, statusColor(w.WorkflowStatus))
				if w.ExternalCorrelationID != nil {
					fmt.Printf("Job: %s\n", *w.ExternalCorrelationID)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Role", "Delivery", "Artifacts", "Body"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.Seq, m.Role, deliveryColor(m.DeliveryStatus), len(m.Artifacts), truncate(m.Body, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskRenameCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "rename <work-unit-id>",
		Short: "Rename a work unit and broadcast the new title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.UpdateTitle(ctx, args[0], title, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <work-unit-id>",
		Short: "Soft delete a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SoftDelete(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func taskHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <work-unit-id>",
		Short: "Show audit events for a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, "work_unit", args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.ActorID, truncate(evt.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func taskWatchCmd() *cobra.Command {
	var serverURL, token string
	var viaKafka bool
	cmd := &cobra.Command{
		Use:   "watch <work-unit-id>",
		Short: "Follow a work unit's realtime channel",
		Long:  "By default follows the server's event stream. With --kafka, subscribes to the fan-out topic directly and hydrates announced messages through the API.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogger(cfg)
			if serverURL == "" {
				serverURL = cfg.Server.PublicURL
			}
			if token == "" {
				token, err = server.SignToken(cfg.Auth.JWTSecret, viper.GetString("actor-id"), time.Hour)
				if err != nil {
					return fmt.Errorf("no --token given and cannot mint one: %w", err)
				}
			}
			client := taskrelaysdk.New(serverURL, token)
			client.BasePath = cfg.Server.BasePath
			if viaKafka {
				return watchKafka(cmd.Context(), cfg, client, args[0])
			}
			return client.StreamWorkUnit(cmd.Context(), args[0], func(evt taskrelaysdk.StreamEvent) error {
				fmt.Printf("%s %s\n", color.CyanString(evt.Name), string(evt.Data))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "API base URL (default server.public_url)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default: minted from auth.jwt_secret)")
	cmd.Flags().BoolVar(&viaKafka, "kafka", false, "read the kafka fan-out topic instead of the server stream")
	return cmd
}

func watchKafka(ctx context.Context, cfg *config.Config, client *taskrelaysdk.Client, workUnitID string) error {
	brokers := realtime.SplitBrokers(cfg.Realtime.KafkaBrokers)
	if len(brokers) == 0 {
		return errors.New("realtime.kafka_brokers is not configured")
	}
	hub := realtime.NewHub(slog.Default())
	group := realtime.InstanceGroup(cfg.Realtime.KafkaGroup + "-watch")
	bridge := realtime.NewKafkaBridge(brokers, cfg.Realtime.KafkaTopic, group, hub, slog.Default())
	defer bridge.Close()

	bc := hub.Client()
	defer bc.Close()
	m := realtime.NewManager(bc, client.MessageFetcher(), realtime.Callbacks{
		OnMessage: func(msg domain.Message) {
			fmt.Printf("%s #%d %s: %s\n", color.CyanString("message"), msg.Seq, msg.Role, msg.Body)
		},
		OnWorkflowStatus: func(p realtime.WorkflowStatusPayload) {
			fmt.Printf("%s %s\n", color.CyanString("status"), statusColor(p.Status))
		},
		OnTitle: func(p realtime.TitleUpdatePayload) {
			fmt.Printf("%s %s\n", color.CyanString("title"), p.Title)
		},
		OnStateChange: func(s realtime.State) {
			fmt.Printf("%s %s\n", color.New(color.Faint).Sprint("state"), s)
		},
	}, realtime.Options{SettleDelay: cfg.SettleDelay(), Logger: slog.Default()})
	if err := m.Connect(workUnitID, realtime.TargetWorkUnit); err != nil {
		return err
	}
	defer m.Disconnect()
	return bridge.Run(ctx)
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint an HS256 bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			t, err := server.SignToken(cfg.Auth.JWTSecret, viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": t})
			}
			fmt.Println(t)
			return nil
		},
	}
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	tok.AddCommand(mint)
	return tok
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if cfg.Auth.JWTSecret == "" {
					return fmt.Errorf("auth.jwt_secret (TASKRELAY_AUTH_JWT_SECRET) is required for bearer auth")
				}
				rt.StartRealtime(ctx)
				handler, err := server.New(server.Config{
					Engine:      rt.Engine,
					BasePath:    cfg.Server.BasePath,
					Auth:        server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
					Hub:         rt.Hub,
					SettleDelay: cfg.SettleDelay(),
					CORSOrigins: cfg.Server.CORSOrigins,
					Logger:      rt.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				if !rt.Engine.Workflow.Configured() {
					rt.Logger.Warn("workflow engine not configured; messages are recorded without dispatch")
				}
				rt.Logger.Info("serving taskrelay API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath,
					"openapi", cfg.Server.BasePath+"/openapi.json", "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (default server.addr)")
	cmd.Flags().String("base-path", "", "API base path (default server.base_path)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

// loadConfig reads the config file and applies TASKRELAY_* environment and
// flag overrides on top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	for key, dst := range map[string]*string{
		"log_level":              &cfg.LogLevel,
		"server.addr":            &cfg.Server.Addr,
		"server.base_path":       &cfg.Server.BasePath,
		"server.public_url":      &cfg.Server.PublicURL,
		"auth.jwt_secret":        &cfg.Auth.JWTSecret,
		"engine.base_url":        &cfg.Engine.BaseURL,
		"engine.api_key":         &cfg.Engine.APIKey,
		"engine.templates":       &cfg.Engine.Templates,
		"engine.provider":        &cfg.Engine.Provider,
		"webhook.secret":         &cfg.Webhook.Secret,
		"vault.key_id":           &cfg.Vault.KeyID,
		"vault.key":              &cfg.Vault.Key,
		"realtime.kafka_brokers": &cfg.Realtime.KafkaBrokers,
		"realtime.kafka_topic":   &cfg.Realtime.KafkaTopic,
		"realtime.kafka_group":   &cfg.Realtime.KafkaGroup,
	} {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = v
		}
	}
	if viper.IsSet("engine.timeout_seconds") {
		cfg.Engine.TimeoutSeconds = viper.GetInt("engine.timeout_seconds")
	}
	if viper.IsSet("realtime.settle_ms") {
		cfg.Realtime.SettleMS = viper.GetInt("realtime.settle_ms")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg)
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, slog.Default())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func printOutcome(w domain.WorkUnit, m domain.Message, d *engine.DispatchResult) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"work_unit": w, "message": m, "dispatch": d})
	}
	fmt.Printf("Work unit %s  %s\n", w.ID, statusColor(w.WorkflowStatus))
	fmt.Printf("Message #%d  %s\n", m.Seq, deliveryColor(m.DeliveryStatus))
	switch {
	case d == nil:
		fmt.Println(color.YellowString("!"), "workflow engine not configured; message recorded only")
	case d.Success:
		fmt.Printf("%s dispatched as job %s (template %d)\n", color.GreenString("✓"), d.CorrelationID, d.WorkflowID)
	default:
		fmt.Printf("%s dispatch failed: %s\n", color.RedString("✗"), d.Error)
	}
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(status string) string {
	switch status {
	case domain.StatusCompleted:
		return color.GreenString(status)
	case domain.StatusFailed:
		return color.RedString(status)
	case domain.StatusRunning, domain.StatusQueued:
		return color.CyanString(status)
	default:
		return status
	}
}

func deliveryColor(status string) string {
	switch status {
	case domain.DeliverySent:
		return color.GreenString(status)
	case domain.DeliveryError:
		return color.RedString(status)
	default:
		return color.YellowString(status)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
