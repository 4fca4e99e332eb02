package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-jam/internal/playback"
	"github.com/npezzotti/go-jam/internal/session"
	"github.com/npezzotti/go-jam/internal/types"
)

const (
	defaultServer   = "http://localhost:8000"
	listTracksLimit = 200
)

var errUsage = errors.New("usage")

const usage = `usage: jamctl [-server url] [-token token] <command> [args]

commands:
  token <username> [avatar-url]   issue an anonymous session token
  create                          create a room
  list                            list live rooms
  get <room>                      print a room's state
  kick <room> <participant>       remove a participant (host only)
  close <room>                    close a room (host only)
  listen [-drift s] <room>        join a room with a headless player

while listening, the host can type: play [t], pause [t], seek <t>,
track <id>, enqueue <id>, skip, sync, resume
`

func main() {
	logger := log.New(os.Stderr, "[jamctl] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Fatal("load .env:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		logger.Fatal(err)
	}
}

func run(ctx context.Context, logger *log.Logger, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("jamctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	server := fs.String("server", envOr("GOJAM_SERVER_URL", defaultServer), "jam server url")
	token := fs.String("token", os.Getenv("GOJAM_TOKEN"), "session token")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}

	client := newApiClient(*server, *token)
	cmd, args := rest[0], rest[1:]

	switch cmd {
	case "token":
		if len(args) < 1 || len(args) > 2 {
			return errUsage
		}
		avatar := ""
		if len(args) == 2 {
			avatar = args[1]
		}
		resp, err := client.anonymousSession(ctx, args[0], avatar)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.Token)
	case "create":
		id, err := client.createRoom(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, id)
	case "list":
		rooms, err := client.listRooms(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, rooms)
	case "get":
		if len(args) != 1 {
			return errUsage
		}
		st, err := client.getRoom(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(out, st)
	case "kick":
		if len(args) != 2 {
			return errUsage
		}
		return client.kick(ctx, args[0], args[1])
	case "close":
		if len(args) != 1 {
			return errUsage
		}
		return client.closeRoom(ctx, args[0])
	case "listen":
		return listen(ctx, logger, client, *server, args, in, out)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	return nil
}

func listen(ctx context.Context, logger *log.Logger, client *apiClient, server string, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	drift := fs.Float64("drift", 1, "drift tolerance in seconds")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return errUsage
	}
	roomId := fs.Arg(0)

	if client.token == "" {
		return fmt.Errorf("%w: listen needs a session token", types.ErrUnauthorized)
	}

	endpoint, err := wsURL(server)
	if err != nil {
		return err
	}

	player := session.NewClockPlayer()
	tracks, err := client.listTracks(ctx, listTracksLimit)
	if err != nil {
		logger.Println("list tracks:", err)
	}
	for _, t := range tracks {
		if t.DurationSeconds > 0 {
			player.Durations[t.MediaUrl] = t.DurationSeconds
		}
	}

	sess := session.New(logger, session.DialWebsocket(endpoint, client.token), player, roomId, session.Options{DriftTolerance: *drift})
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer sess.Disconnect()

	self := sess.Self()
	fmt.Fprintf(out, "joined %s as %s (%s)\n", roomId, self.Username, self.Role)
	printState(out, sess.State())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sess.Events():
			printEvent(out, ev)
			if ev.Kind == session.EventClosed || ev.Kind == session.EventKicked {
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := runLine(ctx, sess, line); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		}
	}
}

func runLine(ctx context.Context, sess *session.Session, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "sync":
		return sess.RequestSync()
	case "resume":
		return sess.Resume()
	}

	cmd, err := parseCommand(fields)
	if err != nil {
		return err
	}
	return sess.SendCommand(ctx, cmd)
}

// parseCommand turns a typed line into a playback command.
func parseCommand(fields []string) (playback.Command, error) {
	name, args := fields[0], fields[1:]

	optionalTime := func() (*float64, error) {
		switch len(args) {
		case 0:
			return nil, nil
		case 1:
			t, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad time %q", types.ErrInvalid, args[0])
			}
			return &t, nil
		default:
			return nil, fmt.Errorf("%w: %s takes at most one argument", types.ErrInvalid, name)
		}
	}
	oneArg := func() (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("%w: %s takes one argument", types.ErrInvalid, name)
		}
		return args[0], nil
	}

	switch name {
	case "play":
		at, err := optionalTime()
		return playback.Play{At: at}, err
	case "pause":
		at, err := optionalTime()
		return playback.Pause{At: at}, err
	case "seek":
		at, err := optionalTime()
		if err != nil {
			return nil, err
		}
		if at == nil {
			return nil, fmt.Errorf("%w: seek needs a time", types.ErrInvalid)
		}
		return playback.Seek{Time: *at}, nil
	case "track":
		id, err := oneArg()
		return playback.TrackChange{TrackId: id}, err
	case "enqueue":
		id, err := oneArg()
		return playback.Enqueue{TrackId: id}, err
	case "skip":
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: skip takes no arguments", types.ErrInvalid)
		}
		return playback.Skip{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command %q", types.ErrInvalid, name)
	}
}

func printEvent(out io.Writer, ev session.Event) {
	switch ev.Kind {
	case session.EventState:
		printState(out, ev.State)
	case session.EventJoined:
		fmt.Fprintf(out, "%s joined\n", ev.Participant.Username)
	case session.EventLeft:
		fmt.Fprintf(out, "%s left\n", ev.Participant.Username)
	case session.EventKicked:
		fmt.Fprintln(out, "you were removed from the room")
	case session.EventClosed:
		fmt.Fprintf(out, "room closed: %v\n", ev.Err)
	case session.EventPlaybackError:
		fmt.Fprintf(out, "playback blocked: %v (type resume to retry)\n", ev.Err)
	case session.EventReconnecting:
		fmt.Fprintf(out, "connection lost, reconnecting: %v\n", ev.Err)
	case session.EventReconnected:
		fmt.Fprintln(out, "reconnected")
		printState(out, ev.State)
	default:
		fmt.Fprintf(out, "%s: %v\n", ev.Kind, ev.Err)
	}
}

func printState(out io.Writer, st types.RoomState) {
	status := "paused"
	if st.IsPlaying {
		status = "playing"
	}

	track := "nothing"
	if st.CurrentTrack != nil {
		track = fmt.Sprintf("%q", st.CurrentTrack.Title)
		if st.CurrentTrack.Artist != "" {
			track += " by " + st.CurrentTrack.Artist
		}
	}

	fmt.Fprintf(out, "[v%d] %s %s at %.1fs (%d listening, %d queued)\n",
		st.Version, status, track, st.PositionAt(time.Now()), len(st.Participants), len(st.Queue))
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
