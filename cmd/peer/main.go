package main

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:        "livelook-peer",
		Usage:       "WebRTC media peer",
		Description: "Negotiates a media session and routes local devices to the remote peer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file, LIVELOOK_* environment variables override it",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "offer",
				Usage: "send an offer to the remote peer and stream local devices",
				Flags: append(peerFlags("offerer"),
					&cli.StringFlag{
						Name:     "remote",
						Usage:    "remote peer id",
						Required: true,
					},
				),
				Action: startOffer,
			},
			{
				Name:   "answer",
				Usage:  "wait for an offer and stream local devices back",
				Flags:  peerFlags("answerer"),
				Action: startAnswer,
			},
			{
				Name:  "selftest",
				Usage: "negotiate two in-process peers over the loopback engine",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "duration",
						Usage: "how long media flows before the result is checked",
						Value: 2 * time.Second,
					},
				},
				Action: startSelftest,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func peerFlags(id string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "id",
			Usage: "own peer id in the signaling room",
			Value: id,
		},
		&cli.BoolFlag{
			Name:  "audio",
			Usage: "send microphone",
			Value: true,
		},
		&cli.BoolFlag{
			Name:  "video",
			Usage: "send camera",
			Value: true,
		},
	}
}
