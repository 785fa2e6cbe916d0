// syncpeer is a command-line device of a sync room. It creates or joins a
// room through the signaling relay, then reads commands from stdin:
//
//	set <entity> [field] <json>   publish a mutation
//	sync                          deliver queued mutations now
//	reconnect                     force a reconnection attempt
//	clear                         discard queued mutations
//	status                        print connection, queue and reconnection status
//	state                         print the local replica
//	leave                         leave the room and exit
//
// Settings come from the environment (see config.PeerConfig); flags
// override them.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mossy-p/matchsync/config"
	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/models"
	"github.com/mossy-p/matchsync/internal/replication"
	"github.com/mossy-p/matchsync/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	peer, err := config.LoadPeer()
	if err != nil {
		return err
	}
	cfg := session.ConfigFromPeer(peer)

	var (
		create bool
		join   string
		manual bool
	)
	flagSet := pflag.NewFlagSet("syncpeer", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.DeviceName, "name", cfg.DeviceName, "display name of this device")
	role := flagSet.String("role", string(cfg.DeviceRole), "device role: host-capable, participant or spectator")
	flagSet.StringVar(&cfg.SignalingURL, "signaling", cfg.SignalingURL, "websocket URL of the signaling relay")
	flagSet.StringSliceVar(&cfg.STUNURLs, "stun", cfg.STUNURLs, "STUN server URLs")
	flagSet.BoolVar(&cfg.DebugTrace, "debug", cfg.DebugTrace, "enable debug logging")
	flagSet.BoolVar(&manual, "manual", !cfg.EnableAutoSync, "queue mutations until the sync command")
	flagSet.BoolVar(&create, "create", false, "create a room and host it")
	flagSet.StringVar(&join, "join", "", "join the room with this code")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg.EnableAutoSync = !manual
	if create == (join != "") {
		return fmt.Errorf("exactly one of --create or --join is required")
	}
	if cfg.DeviceRole, err = models.ParseRole(*role); err != nil {
		return err
	}

	log := logger.New(os.Stderr, "syncpeer", cfg.DebugTrace)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	replica := replication.NewMapReplica()
	s := session.New(replica, session.WithLogOutput(os.Stderr))
	if err := s.Initialize(cfg); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	events, unsubscribe := s.Subscribe(64)
	defer unsubscribe()
	go logEvents(log, events)

	if create {
		roomID, err := s.CreateRoom(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("room %s\n", roomID)
	} else if err := s.JoinRoom(ctx, join); err != nil {
		return err
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := execute(ctx, s, replica, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func execute(ctx context.Context, s *session.Session, replica *replication.MapReplica, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "set":
		m, err := parseMutation(fields[1:])
		if err != nil {
			return false, err
		}
		msg, err := s.Mutate(m)
		if err != nil {
			return false, err
		}
		fmt.Printf("published #%d\n", msg.Sequence)

	case "sync":
		return false, s.ManualSync(ctx)

	case "reconnect":
		return false, s.ForceReconnect()

	case "clear":
		n, err := s.ClearQueue()
		if err != nil {
			return false, err
		}
		fmt.Printf("discarded %d\n", n)

	case "status":
		return false, printJSON(map[string]any{
			"connection":   s.ConnectionStats(),
			"offline":      s.OfflineStats(),
			"reconnection": s.ReconnectionStatus(),
			"members":      s.Members(),
		})

	case "state":
		state, err := replica.Snapshot()
		if err != nil {
			return false, err
		}
		fmt.Println(string(state))

	case "leave":
		return true, s.LeaveRoom(ctx)

	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
	return false, nil
}

// parseMutation reads "<entity> [field] <json>".
func parseMutation(args []string) (replication.Mutation, error) {
	var m replication.Mutation
	switch len(args) {
	case 2:
		m.EntityID = args[0]
	case 3:
		m.EntityID, m.Field = args[0], args[1]
	default:
		return m, fmt.Errorf("usage: set <entity> [field] <json>")
	}
	value := args[len(args)-1]
	if !json.Valid([]byte(value)) {
		return m, fmt.Errorf("value %q is not valid JSON", value)
	}
	m.Value = json.RawMessage(value)
	return m, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func logEvents(log *logger.Logger, events <-chan session.Event) {
	for ev := range events {
		var entry *zerolog.Event
		if ev.Err != nil {
			entry = log.Warn().Err(ev.Err)
		} else {
			entry = log.Info()
		}
		entry = entry.Str("event", string(ev.Type))
		if ev.RoomID != "" {
			entry = entry.Str("room", ev.RoomID)
		}
		if ev.DeviceID != "" {
			entry = entry.Str("peer", ev.DeviceID)
		}
		if ev.Device.Name != "" {
			entry = entry.Str("name", ev.Device.Name)
		}
		if ev.Operation != nil {
			entry = entry.Str("op", ev.Operation.ID).Uint64("seq", ev.Operation.Message.Sequence)
		}
		if ev.Attempts > 0 {
			entry = entry.Int("attempts", ev.Attempts)
		}
		entry.Msg("session event")
	}
}
