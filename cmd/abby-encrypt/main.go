// Command abby-encrypt packages plaintext audio into container-v2
// files bound to a device id, and optionally manages those containers
// in an S3-compatible bucket - the write-side counterpart to the
// daemon's read-only streaming decryptor.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenchrcum/abby/internal/aead"
	"github.com/kenchrcum/abby/internal/container"
	"github.com/kenchrcum/abby/internal/hardware"
	"github.com/kenchrcum/abby/internal/keyderiv"
	s3client "github.com/kenchrcum/abby/internal/s3"
)

func main() {
	logger := logrus.New()

	var devID string
	root := &cobra.Command{
		Use:   "abby-encrypt",
		Short: "Encrypt and manage container-v2 audio files",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if devID == "" {
				devID = hardware.DevID(logger)
			}
		},
	}
	root.PersistentFlags().StringVar(&devID, "device-id", "", "device id to bind the container to (defaults to this machine's)")

	root.AddCommand(
		newEncryptCmd(&devID, logger),
		newVerifyCmd(&devID),
		newS3Cmd(&devID, logger),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newEncryptCmd(devID *string, logger *logrus.Logger) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "encrypt <input>",
		Short: "Encrypt a plaintext audio file into a container-v2 file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			if out == "" {
				out = args[0] + ".abby"
			}
			dst, err := os.Create(out)
			if err != nil {
				return err
			}
			defer dst.Close()

			k := keyderiv.Derive(*devID)
			defer k.Destroy()
			cipher, err := aead.New(k.Bytes())
			if err != nil {
				return fmt.Errorf("build cipher: %w", err)
			}

			if err := container.Encode(dst, in, cipher); err != nil {
				return fmt.Errorf("encode: %w", err)
			}
			logger.WithFields(logrus.Fields{"input": args[0], "output": out}).Info("encrypted container written")
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output container path (default: <input>.abby)")
	return cmd
}

func newVerifyCmd(devID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <container>",
		Short: "Decrypt every chunk of a container-v2 file to confirm it authenticates under device-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			reader, err := container.Open(f)
			if err != nil {
				return fmt.Errorf("open container: %w", err)
			}

			k := keyderiv.Derive(*devID)
			defer k.Destroy()
			cipher, err := aead.New(k.Bytes())
			if err != nil {
				return fmt.Errorf("build cipher: %w", err)
			}

			total := reader.TotalChunks()
			for i := uint32(0); i < total; i++ {
				nonce, ct, err := reader.ReadNext()
				if err != nil {
					return fmt.Errorf("chunk %d: %w", i, err)
				}
				if _, err := cipher.Open(nonce, ct); err != nil {
					return fmt.Errorf("chunk %d: %w", i, err)
				}
			}
			fmt.Printf("ok: %d chunks authenticated\n", total)
			return nil
		},
	}
}

func newS3Cmd(devID *string, logger *logrus.Logger) *cobra.Command {
	var (
		bucket, region, endpoint, provider, accessKey, secretKey string
	)
	s3Cmd := &cobra.Command{
		Use:   "s3",
		Short: "Manage container files in an S3-compatible bucket",
	}
	s3Cmd.PersistentFlags().StringVar(&bucket, "bucket", "", "bucket name")
	s3Cmd.PersistentFlags().StringVar(&region, "region", "us-east-1", "bucket region")
	s3Cmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "custom endpoint for non-AWS providers")
	s3Cmd.PersistentFlags().StringVar(&provider, "provider", "aws", "storage provider (aws, minio, backblaze, ...)")
	s3Cmd.PersistentFlags().StringVar(&accessKey, "access-key", os.Getenv("ABBY_S3_ACCESS_KEY"), "access key")
	s3Cmd.PersistentFlags().StringVar(&secretKey, "secret-key", os.Getenv("ABBY_S3_SECRET_KEY"), "secret key")
	s3Cmd.MarkPersistentFlagRequired("bucket")

	client := func() (s3client.Client, error) {
		return s3client.NewClient(s3client.ClientConfig{
			Region:    region,
			Endpoint:  endpoint,
			Provider:  provider,
			AccessKey: accessKey,
			SecretKey: secretKey,
		})
	}

	push := &cobra.Command{
		Use:   "push <container> <key>",
		Short: "Upload a container-v2 file to the bucket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := c.PutObject(context.Background(), bucket, args[1], f, nil); err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{"bucket": bucket, "key": args[1]}).Info("pushed container to s3")
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list [prefix]",
		Short: "List container objects in the bucket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			c, err := client()
			if err != nil {
				return err
			}
			objs, err := c.ListObjects(context.Background(), bucket, prefix, s3client.ListOptions{})
			if err != nil {
				return err
			}
			for _, o := range objs {
				fmt.Printf("%-40s %10d  %s\n", o.Key, o.Size, o.LastModified)
			}
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm <key>",
		Short: "Delete a container object from the bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return c.DeleteObject(context.Background(), bucket, args[0])
		},
	}

	s3Cmd.AddCommand(push, list, rm)
	return s3Cmd
}
