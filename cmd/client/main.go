// Headless lobby client for poking at a running server: creates or
// joins a lobby, follows the protocol and logs state changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/blockparty/lobby-backend/internal/directory"
	"github.com/blockparty/lobby-backend/internal/lobby"
	"github.com/blockparty/lobby-backend/internal/transport"
)

func main() {
	var (
		base     = flag.String("server", "http://localhost:8080", "API base URL")
		hub      = flag.String("hub", "lobby", "pub/sub hub name")
		name     = flag.String("name", "Player", "display name")
		color    = flag.String("color", "#4f46e5", "player color")
		code     = flag.String("code", "", "lobby code; empty creates a new lobby as leader")
		ready    = flag.Bool("ready", false, "set ready immediately after joining")
		listOnly = flag.Bool("list", false, "list open lobbies and exit")
		watch    = flag.Bool("watch", false, "keep polling the lobby listing")
	)
	flag.Parse()

	log := zap.Must(zap.NewDevelopment())
	defer log.Sync()

	dir := directory.NewClient(*base, log)

	if *watch {
		dir.Poll(context.Background(), func(entries []directory.Entry, err error) {
			if err != nil {
				log.Warn("list lobbies", zap.Error(err))
				return
			}
			for _, e := range entries {
				fmt.Printf("%s  %s  %d player(s)\n", e.LobbyCode, e.LeaderName, e.PlayersCount)
			}
		})
		return
	}
	if *listOnly {
		entries, err := dir.List(context.Background())
		if err != nil {
			log.Fatal("list lobbies", zap.Error(err))
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %d player(s)\n", e.LobbyCode, e.LeaderName, e.PlayersCount)
		}
		return
	}

	isLeader := *code == ""
	lobbyCode := *code
	if isLeader {
		c, err := lobby.CreateCode()
		if err != nil {
			log.Fatal("create code", zap.Error(err))
		}
		lobbyCode = c
		fmt.Println("created lobby", lobbyCode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := transport.NewSession(*base+"/api/negotiate", *hub, log)
	l := lobby.NewLobby(ctx, session, dir, log)

	if err := l.JoinLobby(lobbyCode, *name, *color, isLeader); err != nil {
		log.Fatal("join", zap.String("code", lobbyCode), zap.Error(err))
	}
	if *ready {
		l.SetReady(true)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case s := <-l.Updates():
			names := make([]string, 0, len(s.Players))
			for _, p := range s.Players {
				label := p.Name
				if p.IsLeader {
					label += "*"
				}
				if p.Ready {
					label += " (ready)"
				}
				names = append(names, label)
			}
			log.Info("lobby",
				zap.String("code", s.LobbyCode),
				zap.Bool("started", s.Started),
				zap.Strings("players", names))
		case <-stop:
			l.LeaveLobby()
			return
		}
	}
}
