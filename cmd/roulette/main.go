package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/adapters/channel"
	"github.com/roulette-chat/roulette/internal/adapters/media"
	"github.com/roulette-chat/roulette/internal/adapters/rest"
	"github.com/roulette-chat/roulette/internal/adapters/rtc"
	"github.com/roulette-chat/roulette/internal/app"
	"github.com/roulette-chat/roulette/internal/config"
	"github.com/roulette-chat/roulette/internal/domain"
)

func main() {
	video := flag.Bool("video", false, "start in video mode")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		// Keep the chat readable; the orchestration chatter goes quiet.
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		pterm.Error.Printfln("config: %v", err)
		os.Exit(1)
	}

	ch := channel.New(channel.WSURL(cfg.Client.ServerURL))
	api := rest.New(cfg.Client.ServerURL, cfg.Client.PairingRetries, cfg.Client.PairingBackoff)
	client := app.New(cfg.Client, ch, api, rtc.NewFactory(cfg.Client.STUNServers), media.NewStaticSource())

	client.OnStateChange(func(s domain.SessionState) {
		pterm.Debug.Printfln("state: %s", s)
	})
	client.OnMatched(func(sess domain.Session) {
		partner := "a stranger"
		if sess.PartnerProfile != nil && sess.PartnerProfile.UserID != "" {
			partner = sess.PartnerProfile.UserID
		}
		pterm.Success.Printfln("matched with %s (%s chat), say hi!", partner, sess.Mode)
	})
	client.OnMessage(func(m domain.ChatMessage) {
		if m.Origin == domain.OriginSelf {
			pterm.FgLightCyan.Printfln("you: %s", m.Text)
		} else {
			pterm.FgLightMagenta.Printfln("stranger: %s", m.Text)
		}
	})
	client.OnPartnerTyping(func(on bool) {
		if on {
			pterm.FgGray.Println("stranger is typing...")
		}
	})
	client.OnError(func(err error) {
		pterm.Warning.Printfln("%v", err)
	})
	client.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		pterm.Info.Printfln("receiving %s from the stranger", track.Kind())
	})

	mode := domain.ModeText
	if *video {
		mode = domain.ModeVideo
	}

	ctx := context.Background()
	pterm.DefaultHeader.Println("roulette - chat with a stranger")
	pterm.Info.Printfln("service: %s", cfg.Client.ServerURL)

	start := func() {
		spinner, _ := pterm.DefaultSpinner.Start("looking for a partner...")
		if err := client.Start(ctx, mode); err != nil {
			spinner.Fail(err.Error())
			return
		}
		if client.State() == domain.StateWaiting {
			spinner.UpdateText("waiting for a partner...")
			spinner.Success("in the queue")
		} else {
			spinner.Success("matched")
		}
	}
	start()

	pterm.Info.Println("type to chat; /next for a new partner, /block, /report <reason>, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			client.Close(ctx)
			pterm.Info.Println("bye")
			return

		case line == "/next":
			_ = client.Disconnect(ctx)
			start()

		case line == "/block":
			if err := client.BlockPartner(ctx); err != nil {
				pterm.Warning.Printfln("block: %v", err)
			} else {
				pterm.Info.Println("blocked, finding someone else")
				start()
			}

		case strings.HasPrefix(line, "/report"):
			reason := strings.TrimSpace(strings.TrimPrefix(line, "/report"))
			if reason == "" {
				reason = "inappropriate behavior"
			}
			if err := client.ReportPartner(ctx, reason); err != nil {
				pterm.Warning.Printfln("report: %v", err)
			} else {
				pterm.Info.Println("report filed")
			}

		default:
			if err := client.SendMessage(ctx, line); err != nil {
				pterm.Warning.Printfln("send: %v", err)
			}
		}
	}
}
