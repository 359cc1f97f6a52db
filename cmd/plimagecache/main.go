// Command plimagecache inspects and maintains an image manager disk cache
// directory.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Polidea/PLImageManager/imagecache"
)

var (
	cacheDir string
	dbWait   time.Duration
	verbose  bool
	cleanAge time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "plimagecache",
	Short: "Inspect and maintain an image cache directory",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
	SilenceUsage: true,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show blob count and total size",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		count, size, err := store.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("blobs: %d\ntotal size: %d bytes\n", count, size)
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove blobs not accessed within --age",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		store.CleanByAge(cleanAge)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every stored blob",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		store.Purge()
		return nil
	},
}

func openStore() (*imagecache.Persistent, error) {
	return imagecache.NewPersistent(cacheDir, &imagecache.Features{DbWaitTime: dbWait})
}

// addFlags registers the global flags on flagSet
func addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&cacheDir, "cache-dir", "", "directory holding the cached blobs")
	flagSet.DurationVar(&dbWait, "db-wait-time", imagecache.DefDbWaitTime, "how long to wait for the cache index to be available")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func init() {
	addFlags(rootCmd.PersistentFlags())
	_ = rootCmd.MarkPersistentFlagRequired("cache-dir")

	cleanCmd.Flags().DurationVar(&cleanAge, "age", 30*24*time.Hour, "remove blobs not accessed within this duration")

	rootCmd.AddCommand(statsCmd, cleanCmd, clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
