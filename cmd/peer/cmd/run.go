package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"lanchat/internal/errs"
	"lanchat/internal/keyring"
	"lanchat/internal/model"
	"lanchat/internal/rooms"
	"lanchat/internal/store"
	"lanchat/internal/store/sqlitestore"
	"lanchat/internal/syncer"
	"lanchat/internal/transfer"
	"lanchat/internal/transport"
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the relay and start chatting",
	Args:  cobra.MaximumNArgs(0),
	RunE:  runPeer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runPeer(_ *cobra.Command, _ []string) error {
	logger, err := buildLogger(viper.GetBool("debug"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir := viper.GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	outDir := viper.GetString("out-dir")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	st, err := sqlitestore.New(filepath.Join(dataDir, "lanchat.db"))
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer func() { _ = st.Close() }()

	self, err := loadIdentity(ctx, st)
	if err != nil {
		return err
	}
	if name := viper.GetString("name"); name != "" {
		self.DisplayName = name
	}
	if self.DisplayName == "" {
		host, _ := os.Hostname()
		self.DisplayName = host
	}
	self.IsAdmin = viper.GetBool("admin")

	client := transport.NewClient(viper.GetString("relay"))
	state := syncer.NewState(self)
	keys := keyring.New(logger, st, client, state, viper.GetString("passphrase"))
	if err := keys.Init(ctx); err != nil {
		return fmt.Errorf("init keyring: %w", err)
	}
	if err := keys.EnsureRoomKey(ctx); err != nil {
		return fmt.Errorf("ensure room key: %w", err)
	}

	sync := syncer.New(logger, client, st, state, keys, viper.GetDuration("poll-interval"))
	xfer := transfer.New(logger, client, keys, sync, self.ID, transfer.Config{
		ChunkSize:    viper.GetInt("chunk-size"),
		FetchBatch:   viper.GetInt("fetch-batch"),
		PollInterval: viper.GetDuration("transfer-interval"),
		OutDir:       outDir,
	})

	if err := sync.Register(ctx); err != nil {
		return fmt.Errorf("register with relay: %w", err)
	}
	logger.Info("registered",
		zap.String("id", self.ID.String()),
		zap.String("name", self.DisplayName),
		zap.Bool("admin", self.IsAdmin))

	go sync.Run(ctx)
	go xfer.Run(ctx)

	return repl(ctx, state, sync, xfer)
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadIdentity returns the persisted peer identity, creating one on first run.
func loadIdentity(ctx context.Context, st store.Store) (model.Peer, error) {
	raw, err := st.Get(ctx, "peer/id")
	switch {
	case err == nil:
		id, perr := uuid.FromString(string(raw))
		if perr != nil {
			return model.Peer{}, fmt.Errorf("corrupt peer id: %w", perr)
		}
		return model.Peer{ID: id}, nil
	case errors.Is(err, errs.ErrNotFound):
		id, gerr := uuid.NewV4()
		if gerr != nil {
			return model.Peer{}, gerr
		}
		if serr := st.Set(ctx, "peer/id", []byte(id.String())); serr != nil {
			return model.Peer{}, serr
		}
		return model.Peer{ID: id}, nil
	default:
		return model.Peer{}, err
	}
}

// repl reads commands from stdin until EOF or signal. Plain lines post to the
// global channel; /room selects a room for subsequent lines.
func repl(ctx context.Context, state *syncer.State, sync *syncer.Synchronizer, xfer *transfer.Engine) error {
	var current *uuid.UUID // nil means the global channel

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Println("commands: /peers /msgs /rooms /room <id|-> /newroom <name> /invite <room-id> /join <code> /share <path> /transfers /dismiss <id> /quit")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "/") {
				if _, err := sync.Send(ctx, current, line); err != nil {
					fmt.Println("send failed:", err)
				}
				continue
			}
			if line == "/quit" {
				return nil
			}
			runCommand(ctx, line, &current, state, sync, xfer)
		}
	}
}

func runCommand(ctx context.Context, line string, current **uuid.UUID, state *syncer.State, sync *syncer.Synchronizer, xfer *transfer.Engine) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/peers":
		for _, p := range state.Online() {
			fmt.Printf("  %s  %s  admin=%v\n", p.ID, p.DisplayName, p.IsAdmin)
		}
	case "/msgs":
		for _, m := range state.Messages() {
			text := m.Content
			if m.Encrypted && text == "" {
				text = "<encrypted>"
			}
			fmt.Printf("  [%d] %s: %s\n", m.Seq, m.SenderID, text)
		}
	case "/rooms":
		for _, r := range state.Rooms() {
			fmt.Printf("  %s  %s  public=%v members=%d\n", r.ID, r.Name, r.IsPublic, len(r.ParticipantIDs))
		}
	case "/room":
		if len(args) != 1 {
			fmt.Println("usage: /room <id|->")
			return
		}
		if args[0] == "-" {
			*current = nil
			fmt.Println("switched to the global channel")
			return
		}
		id, err := uuid.FromString(args[0])
		if err != nil {
			fmt.Println("bad room id:", err)
			return
		}
		*current = &id
		fmt.Println("switched to room", id)
	case "/newroom":
		if len(args) < 1 {
			fmt.Println("usage: /newroom <name>")
			return
		}
		r, err := sync.CreateRoom(ctx, strings.Join(args, " "), false, nil)
		if err != nil {
			fmt.Println("create room failed:", err)
			return
		}
		fmt.Println("created room", r.ID)
	case "/invite":
		if len(args) != 1 {
			fmt.Println("usage: /invite <room-id>")
			return
		}
		id, err := uuid.FromString(args[0])
		if err != nil {
			fmt.Println("bad room id:", err)
			return
		}
		r, ok := state.Room(id)
		if !ok {
			fmt.Println("unknown room", id)
			return
		}
		code, err := rooms.EncodeInvite(r, state.Self().ID)
		if err != nil {
			fmt.Println("encode invite failed:", err)
			return
		}
		fmt.Println("invite code:", code)
	case "/join":
		if len(args) != 1 {
			fmt.Println("usage: /join <code>")
			return
		}
		r, err := sync.RedeemInvite(ctx, args[0])
		if err != nil {
			fmt.Println("join failed:", err)
			return
		}
		fmt.Printf("joined %s (%s)\n", r.Name, r.ID)
	case "/share":
		if len(args) != 1 {
			fmt.Println("usage: /share <path>")
			return
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Println("read failed:", err)
			return
		}
		audience := model.Broadcast()
		if *current != nil {
			if r, ok := state.Room(**current); ok {
				audience = model.Scoped(r.ParticipantIDs...)
			}
		}
		t, err := xfer.Send(ctx, args[0], data, audience, *current)
		if err != nil {
			fmt.Println("share failed:", err)
			return
		}
		fmt.Printf("shared %s as %s (%d chunks)\n", t.FileName, t.ID, t.TotalChunks)
	case "/transfers":
		for _, t := range xfer.Transfers() {
			fmt.Printf("  %s  %s  %s  %d bytes\n", t.ID, t.FileName, t.Status, t.FileSize)
			if path, ok := xfer.ArtifactPath(t.ID); ok {
				fmt.Printf("    saved to %s\n", path)
			}
		}
	case "/dismiss":
		if len(args) != 1 {
			fmt.Println("usage: /dismiss <id>")
			return
		}
		id, err := uuid.FromString(args[0])
		if err != nil {
			fmt.Println("bad transfer id:", err)
			return
		}
		xfer.Dismiss(id)
		fmt.Println("dismissed", id)
	default:
		fmt.Println("unknown command", cmd)
	}
}
