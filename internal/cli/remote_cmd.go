package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yardstitch/internal/encode"
	"yardstitch/internal/imagesource"
	"yardstitch/internal/remote"
	"yardstitch/internal/yard"
)

type remoteFlags struct {
	server string
	tls    bool
	ca     string
	cert   string
	key    string
}

func (f *remoteFlags) config() remote.Config {
	return remote.Config{
		ServerAddress: f.server,
		CACertPath:    f.ca,
		TLSCertPath:   f.cert,
		TLSKeyPath:    f.key,
		Insecure:      !f.tls && f.ca == "" && f.cert == "",
	}
}

// remoteRequest loads ref as an inline descriptor when it names a file and
// leaves it to the server as a stored yard id otherwise.
func remoteRequest(ref string, options map[string]any) (remote.Request, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		d, err := yard.Load(ref)
		if err != nil {
			return remote.Request{}, err
		}
		return remote.Request{YardID: string(d.ID), Yard: &d, Options: options}, nil
	}
	return remote.Request{YardID: ref, Options: options}, nil
}

func newRemoteCmd(root *Root) *cobra.Command {
	var rf remoteFlags

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Stitch or inspect through a running yardstitch gRPC server",
	}
	cmd.PersistentFlags().StringVar(&rf.server, "server", root.cfg.Server.GRPCAddr, "gRPC server address")
	cmd.PersistentFlags().BoolVar(&rf.tls, "tls", false, "use TLS with the system roots")
	cmd.PersistentFlags().StringVar(&rf.ca, "ca", "", "CA certificate for TLS (implies --tls)")
	cmd.PersistentFlags().StringVar(&rf.cert, "cert", "", "client certificate for mutual TLS")
	cmd.PersistentFlags().StringVar(&rf.key, "key", "", "client key for mutual TLS")

	cmd.AddCommand(newRemoteStitchCmd(root, &rf), newRemoteInspectCmd(root, &rf), newRemoteHealthCmd(root, &rf))
	return cmd
}

func newRemoteStitchCmd(root *Root, rf *remoteFlags) *cobra.Command {
	var (
		flags  stitchFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "stitch <descriptor-file|yard-id>",
		Short: "Stitch on the server and write the mosaic locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options(cmd)
			delete(opts, "source")
			req, err := remoteRequest(args[0], opts)
			if err != nil {
				return err
			}
			client, err := root.dial(rf.config())
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.Stitch(cmd.Context(), req)
			if err != nil {
				return err
			}
			img, _, err := imagesource.Decode(res.PNG)
			if err != nil {
				return err
			}
			if output == "" {
				output = root.defaultOutput(req.YardID)
			}
			if err := encode.WriteFile(output, img); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (covered %d px, %d contributing cameras)\n", output, res.Covered, res.Contributing)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default <default_output>/<yard>.png)")
	return cmd
}

func newRemoteInspectCmd(root *Root, rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <descriptor-file|yard-id>",
		Short: "Report each camera's mapping as fitted by the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := remoteRequest(args[0], nil)
			if err != nil {
				return err
			}
			client, err := root.dial(rf.config())
			if err != nil {
				return err
			}
			defer client.Close()

			report, err := client.Inspect(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "yard %v: canvas %vx%v\n", report["yard"], report["width"], report["height"])
			raw, _ := report["cameras"].([]any)
			cams := make([]map[string]any, 0, len(raw))
			for _, c := range raw {
				m, ok := c.(map[string]any)
				if !ok {
					continue
				}
				cams = append(cams, map[string]any{
					"id":           m["id"],
					"family":       m["family"],
					"points":       m["points"],
					"reproj_error": m["reprojError"],
					"skipped":      m["skipped"],
					"reason":       m["reason"],
				})
			}
			printCameraTable(out, cams)
			return nil
		},
	}
}

func newRemoteHealthCmd(root *Root, rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server's Mosaic service is serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.dial(rf.config())
			if err != nil {
				return err
			}
			defer client.Close()

			ok, err := client.Healthy(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s is not serving", rf.server)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s serving\n", rf.server)
			return nil
		},
	}
}
