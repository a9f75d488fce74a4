package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/npezzotti/pairroom/internal/chatclient"
	"github.com/npezzotti/pairroom/internal/cipher"
	"github.com/npezzotti/pairroom/internal/types"
	"github.com/npezzotti/pairroom/internal/ui"
)

const chatHelp = `commands: /call audio|video, /accept, /reject, /end, /quit`

const chatLong = `Open a room in the terminal. Lines typed are encrypted and sent to the room.
Input is read a line at a time, so this client does not signal typing; peers'
typing notices are still shown.

` + chatHelp

func newChatCmd(flags *clientFlags) *cobra.Command {
	var (
		room string
		key  string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a room in the terminal",
		Long:  chatLong,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(dev)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := cipher.New(key)
			if err != nil {
				return err
			}

			return runChat(ctx, flags, room, c, os.Stdin, cmd.OutOrStdout(), logger)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&room, "room", "", "room id or join code")
	cmd.Flags().StringVar(&key, "key", envOr("PAIRROOM_CIPHER_KEY", cipher.DefaultKey), "message cipher key")
	cmd.Flags().BoolVar(&dev, "dev", false, "human readable debug logging")
	cmd.MarkFlagRequired("room")

	return cmd
}

// resolveRoom finds the room by id or code among the user's rooms and joins
// it by code when the user is not a member yet.
func resolveRoom(ctx context.Context, client *chatclient.APIClient, ref string) (types.Room, error) {
	rooms, err := client.ListRooms(ctx)
	if err != nil {
		return types.Room{}, err
	}

	for _, r := range rooms {
		if r.Id.String() == ref || strings.EqualFold(r.Code, ref) {
			return r, nil
		}
	}

	return client.JoinRoom(ctx, ref)
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func runChat(ctx context.Context, flags *clientFlags, roomRef string, c *cipher.Cipher, in io.Reader, out io.Writer, logger *zap.Logger) error {
	client, user, err := flags.authenticate(ctx)
	if err != nil {
		return err
	}

	room, err := resolveRoom(ctx, client, roomRef)
	if err != nil {
		return err
	}

	conn, err := chatclient.Dial(ctx, flags.server, client.Token(), logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	session := chatclient.NewRoomSession(conn, room.Id.String(), user, c)
	if err := session.Join(ctx); err != nil {
		return err
	}

	ui.PrintNotice(out, fmt.Sprintf("%s (%s), %s", room.Name, room.Code, chatHelp))

	lines := readLines(in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-conn.Incoming():
			if !ok {
				return errors.New("connection closed by server")
			}
			render(out, session, user, env)
		case line, ok := <-lines:
			if !ok {
				session.Leave(ctx)
				return nil
			}

			quit, err := handleInput(ctx, session, line)
			if err != nil {
				ui.PrintError(out, err.Error())
			}
			if quit {
				session.Leave(ctx)
				return nil
			}
		}
	}
}

// handleInput runs one line typed by the user. quit is true for /quit.
func handleInput(ctx context.Context, s *chatclient.RoomSession, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	if !strings.HasPrefix(line, "/") {
		_, err := s.SendText(ctx, line)
		return false, err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return true, nil
	case "/call":
		return false, s.StartCall(ctx, types.CallKind(strings.TrimSpace(arg)))
	case "/accept":
		return false, s.AnswerCall(ctx, true)
	case "/reject":
		return false, s.AnswerCall(ctx, false)
	case "/end":
		return false, s.EndCall(ctx)
	default:
		return false, fmt.Errorf("unknown command %s, %s", cmd, chatHelp)
	}
}

func render(out io.Writer, s *chatclient.RoomSession, self types.User, env types.Envelope) {
	u, err := s.Handle(env)
	if err != nil {
		ui.PrintError(out, err.Error())
		return
	}

	switch {
	case u.History != nil:
		for _, e := range u.History {
			fmt.Fprintln(out, ui.MessageLine(e.Message, s.Decrypt(e.Message), self, e.Pending))
		}
	case u.Entry != nil:
		fmt.Fprintln(out, ui.MessageLine(u.Entry.Message, u.Text, self, false))
	case u.User != nil:
		fmt.Fprintln(out, ui.PresenceLine(u.Event, *u.User))
	case u.Event == types.EventError:
		ui.PrintError(out, u.Text)
	case u.Call != chatclient.CallIdle:
		_, call := s.Calls.State()
		fmt.Fprintln(out, ui.CallLine(u.Call.String(), u.Caller, call.Since))
	}
}
