package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/camgate/camgate/internal/codec"
	"github.com/camgate/camgate/internal/logging"
	"github.com/camgate/camgate/internal/stream"
)

// CreateProbeCmd creates the probe command.
func CreateProbeCmd() *cobra.Command {
	var timeout time.Duration
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "probe [rtsp-url]",
		Short: "Probe an RTSP source",
		Long: `Opens an RTSP source with the production grabber options, confirms liveness ` +
			`by grabbing one frame, and prints the source properties.`,
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			url := args[0]

			loggingConfig := logging.Config{
				Level:  "info",
				Format: "text",
			}
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)
			logger := logging.GetLogger("probe")

			logger.Info("Probing source", "url", url)

			deadline := time.Now().Add(timeout)
			var g codec.Grabber
			var err error
			for _, candidate := range codec.CandidateURLs(url) {
				g, err = codec.OpenRTSP(candidate, codec.DefaultGrabberOptions())
				if err == nil {
					url = candidate
					break
				}
				logger.Warn("Candidate failed", "url", candidate, "error", err)
				if time.Now().After(deadline) {
					break
				}
			}
			if g == nil {
				logger.Error("Could not open source", "error", err)
				os.Exit(1)
			}
			defer g.Close()

			live := false
			for time.Now().Before(deadline) {
				frame, gerr := g.Grab()
				if gerr != nil {
					if codec.IsTransient(gerr) {
						continue
					}
					logger.Error("Grab failed", "error", gerr)
					os.Exit(1)
				}
				if frame != nil {
					live = frame.HasImage()
					frame.Release()
					if live {
						break
					}
				}
				time.Sleep(100 * time.Millisecond)
			}
			if !live {
				logger.Error("No live frame within timeout", "timeout", timeout)
				os.Exit(1)
			}

			w, h := g.Dimensions()
			fps := stream.ClampSourceFPS(g.SourceFPS())
			fmt.Printf("url:        %s\n", url)
			fmt.Printf("codec:      %s\n", g.VideoCodec())
			fmt.Printf("resolution: %dx%d\n", w, h)
			fmt.Printf("fps:        %.2f (advertised %.2f)\n", fps, g.SourceFPS())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Probe deadline")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")
	return cmd
}
