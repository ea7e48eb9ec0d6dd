// Command ensemble-display is a headless display device: it joins the
// coordinator under a display role, reconstructs the score position with
// the shared clock-sync machinery, logs the notes it would render, and
// reports each finished note back so the coordinator can track completion.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ensemblesync/ensemble/internal/device"
	"github.com/ensemblesync/ensemble/internal/latency"
	"github.com/ensemblesync/ensemble/internal/score"
	"github.com/ensemblesync/ensemble/internal/session"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://127.0.0.1:8080/ws", "coordinator WebSocket URL")
		role      = flag.String("role", string(session.RoleMelodyDisplay), "device role (melody-display or accompaniment-display)")
		level     = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if lvl, err := zerolog.ParseLevel(*level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := device.Dial(ctx, device.Config{
		URL:     *serverURL,
		Role:    *role,
		Latency: latency.DefaultConfig(),
	}, clockwork.NewRealClock())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	if err := client.Ready(); err != nil {
		log.Fatal().Err(err).Msg("failed to report ready")
	}

	render(ctx, client, session.Role(*role), runErr)
}

// render polls the reconstructed music time, logs the note currently under
// the playhead, and reports notes whose end has passed.
func render(ctx context.Context, client *device.Client, role session.Role, runErr chan error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var (
		current  *score.Score
		part     []score.NoteEvent
		reported int
		showing  = -1
	)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-runErr:
			if err != nil {
				log.Fatal().Err(err).Msg("connection lost")
			}
			return
		case <-ticker.C:
		}

		if !client.Playing() {
			current = nil
			continue
		}

		if sc := client.Score(); sc != current {
			current = sc
			part = partFor(sc, role)
			reported = 0
			showing = -1
			log.Info().Str("title", sc.Title).Int("part_notes", len(part)).Msg("rendering score")
		}

		mt := client.MusicTime()

		// Report every note whose authored end time has passed. The part
		// is sorted by end time so one cursor suffices.
		for reported < len(part) && part[reported].Time+part[reported].Duration <= mt {
			if err := client.NotePlayed(); err != nil {
				log.Warn().Err(err).Msg("note report failed")
				break
			}
			reported++
		}

		// Log the note under the playhead once, when it starts.
		for i := showing + 1; i < len(part); i++ {
			if part[i].Time > mt {
				break
			}
			log.Info().
				Str("pitch", part[i].Pitch).
				Str("fingering", part[i].Fingering).
				Float64("music_time", mt).
				Msg("note on")
			showing = i
		}
	}
}

// partFor returns this device's part, sorted by note end time.
func partFor(sc *score.Score, role session.Role) []score.NoteEvent {
	var part []score.NoteEvent
	if role == session.RoleAccompanimentDisplay {
		part = append(part, sc.Accompaniment...)
	} else {
		part = append(part, sc.Melody...)
	}
	sort.Slice(part, func(i, j int) bool {
		return part[i].Time+part[i].Duration < part[j].Time+part[j].Duration
	})
	return part
}
