// Command loaderctl runs the loader core against host-simulated
// capabilities, drives a one-shot upload as the manager role, or
// prepares a blank flash image file for local testing. Grounded on
// the pack's cobra usage (seen in the Zate-go-at2plus and
// Thermoquad-heliostat manifests) as the CLI layer for this module's
// domain logic.
package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	loader "github.com/otaloader/core"
	"github.com/otaloader/core/internal/cryptoimpl"
	"github.com/otaloader/core/internal/flashfile"
	"github.com/otaloader/core/internal/manager"
	"github.com/otaloader/core/internal/serialio"
	"github.com/otaloader/core/internal/wdt"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "loaderctl",
		Short: "Drive or exercise the upgrade bootloader core",
	}
	root.AddCommand(newRunCmd(), newUploadCmd(), newMkflashCmd())
	return root
}

func newMkflashCmd() *cobra.Command {
	var size uint32
	var page uint32

	cmd := &cobra.Command{
		Use:   "mkflash <path>",
		Short: "Create a blank mmap-backed flash image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fl, err := flashfile.Open(args[0], size, page)
			if err != nil {
				return err
			}
			defer fl.Close()
			return fl.Erase(0, size-32)
		},
	}
	cmd.Flags().Uint32Var(&size, "size", 1<<20, "total flash image size in bytes (includes the 32-byte handoff region)")
	cmd.Flags().Uint32Var(&page, "page", 4096, "erase page size in bytes")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		flashPath    string
		flashSize    uint32
		pageSize     uint32
		serialPort   string
		baud         int
		watchdog     string
		appHead      uint32
		appStart     uint32
		enableSig    bool
		pubKeyHex    string
		enableCrypto bool
		aesKeyHex    string
		aesIVHex     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the loader core against real or simulated capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()

			fl, err := flashfile.Open(flashPath, flashSize, pageSize)
			if err != nil {
				return fmt.Errorf("open flash image: %w", err)
			}
			defer fl.Close()

			var wd loader.Watchdog = wdt.Noop{}
			if watchdog != "" {
				dev, err := wdt.Open(watchdog)
				if err != nil {
					return fmt.Errorf("open watchdog: %w", err)
				}
				defer dev.Close()
				wd = dev
			}

			port, err := serialio.Open(serialPort, baud)
			if err != nil {
				return fmt.Errorf("open serial port: %w", err)
			}
			defer port.Close()

			caps := loader.Capabilities{
				Clock:    loader.NewSystemClock(),
				Rx:       port,
				Tx:       port,
				Flash:    fl,
				Watchdog: wd,
				Handoff:  fl,
				Jump:     noopJumper{logger: logger},
			}

			cfg := loader.DefaultConfig()
			cfg.AppHeadAddr = appHead
			cfg.AppStartAddr = appStart

			if enableSig {
				pub, err := hex.DecodeString(pubKeyHex)
				if err != nil || len(pub) != 64 {
					return fmt.Errorf("--pubkey must be 64 bytes of hex")
				}
				var pubArr [64]byte
				copy(pubArr[:], pub)
				caps.Keys = cryptoimpl.NewStaticKeyStore(pubArr)
				caps.Verifier = cryptoimpl.Secp256k1Verifier{}
				cfg.EnableSignature = true
			}

			if enableCrypto {
				key, err := hex.DecodeString(aesKeyHex)
				if err != nil {
					return fmt.Errorf("--aes-key must be hex: %w", err)
				}
				ivBytes, err := hex.DecodeString(aesIVHex)
				if err != nil || len(ivBytes) != 16 {
					return fmt.Errorf("--aes-iv must be 16 bytes of hex")
				}
				var iv [16]byte
				copy(iv[:], ivBytes)
				dec, err := cryptoimpl.NewCTRDecryptor(key, iv)
				if err != nil {
					return fmt.Errorf("init decryptor: %w", err)
				}
				caps.Decryptor = dec
				cfg.EnableCrypto = true
			}

			logger.Info("loader starting", "flash", flashPath, "serial", serialPort)
			return loader.Run(cmd.Context(), caps, cfg)
		},
	}

	cmd.Flags().StringVar(&flashPath, "flash", "flash.img", "path to the mmap-backed flash image file")
	cmd.Flags().Uint32Var(&flashSize, "flash-size", 1<<20, "flash image size in bytes")
	cmd.Flags().Uint32Var(&pageSize, "page-size", 4096, "erase page size in bytes")
	cmd.Flags().StringVar(&serialPort, "serial", "/dev/ttyUSB0", "serial port device")
	cmd.Flags().IntVar(&baud, "baud", 115200, "serial baud rate")
	cmd.Flags().StringVar(&watchdog, "watchdog", "", "watchdog device path (empty disables watchdog kicks)")
	cmd.Flags().Uint32Var(&appHead, "app-head", 0, "APP_HEAD_ADDR")
	cmd.Flags().Uint32Var(&appStart, "app-start", 0, "APP_START_ADDR")
	cmd.Flags().BoolVar(&enableSig, "enable-signature", false, "require a valid ECDSA signature on PREPARE")
	cmd.Flags().StringVar(&pubKeyHex, "pubkey", "", "hex-encoded 64-byte uncompressed secp256k1 public key")
	cmd.Flags().BoolVar(&enableCrypto, "enable-crypto", false, "decrypt FLASH payloads with AES-CTR before writing")
	cmd.Flags().StringVar(&aesKeyHex, "aes-key", "", "hex-encoded AES key")
	cmd.Flags().StringVar(&aesIVHex, "aes-iv", "", "hex-encoded 16-byte AES-CTR initial counter")
	return cmd
}

func newUploadCmd() *cobra.Command {
	var (
		serialPort string
		baud       int
		chunkSize  int
		swVer      uint32
		hwVer      uint32
		appHead    uint32
	)

	cmd := &cobra.Command{
		Use:   "upload <image>",
		Short: "Push a firmware image to a loader over serial (manager role)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			port, err := serialio.Open(serialPort, baud)
			if err != nil {
				return fmt.Errorf("open serial port: %w", err)
			}
			defer port.Close()

			hdr := loader.ImageHeader{
				Version:       1,
				ImageType:     loader.ImageTypeApp,
				SignatureType: loader.SignatureNone,
				ImageAddr:     appHead,
				ImageSize:     uint32(len(payload)),
				ImageCRC:      loader.ComputeImageCRC(payload),
				SWVer:         swVer,
				HWVer:         hwVer,
			}
			raw := loader.EncodeImageHeader(hdr)

			client := manager.NewClient(port, chunkSize)
			return client.Upload(raw, payload)
		},
	}

	cmd.Flags().StringVar(&serialPort, "serial", "/dev/ttyUSB0", "serial port device")
	cmd.Flags().IntVar(&baud, "baud", 115200, "serial baud rate")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 1024, "FLASH payload chunk size")
	cmd.Flags().Uint32Var(&swVer, "sw-ver", 1, "software version to stamp into the header")
	cmd.Flags().Uint32Var(&hwVer, "hw-ver", 1, "hardware version to stamp into the header")
	cmd.Flags().Uint32Var(&appHead, "app-head", 0, "address the header declares for the image (must match the loader's APP_HEAD_ADDR)")
	return cmd
}

// noopJumper logs instead of jumping, for development machines that
// have no resident application to jump into.
type noopJumper struct{ logger *slog.Logger }

func (j noopJumper) DeinitForJump() error { return nil }

func (j noopJumper) JumpTo(addr uint32) {
	j.logger.Warn("would jump to application", "addr", fmt.Sprintf("%#x", addr))
}
