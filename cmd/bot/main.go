package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"krumpkraft.io/internal/logging"
	"krumpkraft.io/internal/protocol"
)

func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name  = flag.String("name", "bot", "player name")
		say   = flag.String("say", "", "chat lines to send after WELCOME, separated by ';'")
		stdin = flag.Bool("stdin", false, "also send every line read from stdin")
		wait  = flag.Duration("wait", 0, "exit this long after the last scripted line (0 = stay connected)")
	)
	flag.Parse()

	logger, _, _ := logging.New(logging.Config{Level: "info", Pretty: true})
	logger = logger.With().Str("component", "bot").Logger()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial")
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerName:      *name,
		MaxQueue:        64,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatal().Err(err).Msg("send HELLO")
	}

	// Only this goroutine writes after the handshake.
	out := make(chan string, 16)
	go func() {
		for text := range out {
			if err := conn.WriteJSON(protocol.ChatMsg{Type: protocol.TypeChat, ProtocolVersion: protocol.Version, Text: text}); err != nil {
				logger.Error().Err(err).Msg("send CHAT")
				return
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	welcomed := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Info().Str("session", w.SessionID).Strs("worlds", w.Worlds).Msg("WELCOME")
			if !welcomed {
				welcomed = true
				go script(out, splitLines(*say), *stdin, *wait, conn)
			}

		case protocol.TypeMsg:
			var m protocol.MsgMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			printMsg(m)

		case protocol.TypeEntity:
			var e protocol.EntityMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logEntity(logger, e)

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Error().Str("code", e.Code).Msg(e.Message)
		}
	}
}

func script(out chan<- string, lines []string, stdin bool, wait time.Duration, conn *websocket.Conn) {
	for _, l := range lines {
		out <- l
	}
	if stdin {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if l := strings.TrimSpace(sc.Text()); l != "" {
				out <- l
			}
		}
	}
	if wait > 0 {
		time.Sleep(wait)
		_ = conn.Close()
	}
}

func printMsg(m protocol.MsgMsg) {
	if m.From == "" {
		fmt.Println(m.Text)
		return
	}
	fmt.Printf("<%s> %s\n", m.From, m.Text)
}

func logEntity(logger zerolog.Logger, e protocol.EntityMsg) {
	logger.Info().
		Str("op", e.Op).
		Str("id", e.ID).
		Str("world", e.World).
		Floats64("pos", e.Pos[:]).
		Str("label", e.Label).
		Msg("ENTITY")
}

func splitLines(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
