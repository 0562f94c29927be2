// Command poolctl is a thin administrative CLI over a Pool: attach disks
// from a flag-specified layout, start the background workers, print every
// Device's status (GetDisks) as JSON, and exit. It reads no commands from
// stdin. Config parsing and an actual wire protocol are explicitly
// out of core scope per spec.md §1; this is the minimal front end needed to
// exercise a Pool from a shell.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/diskfs/blockpool/internal/device"
	"github.com/diskfs/blockpool/internal/pool"
)

func main() {
	var (
		disksFlag = flag.String("disks", "", "comma-separated backing paths")
		metaDir   = flag.String("metadata-dir", "", "metadata store directory")
		capBytes  = flag.Uint64("disk-capacity-bytes", 10<<30, "capacity per attached disk")
	)
	flag.Parse()

	if *disksFlag == "" || *metaDir == "" {
		fmt.Fprintln(os.Stderr, "usage: poolctl -disks=path1,path2 -metadata-dir=dir")
		os.Exit(2)
	}

	var cfg pool.Config
	cfg.MetadataDir = *metaDir
	for _, p := range strings.Split(*disksFlag, ",") {
		cfg.Disks = append(cfg.Disks, pool.DiskConfig{
			Path:          p,
			Tier:          device.TierWarm,
			CapacityBytes: *capBytes,
		})
	}

	p, err := pool.Open(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("poolctl: open")
	}
	p.Run()
	defer p.Close()

	status := p.GetDisks()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		logrus.WithError(err).Fatal("poolctl: encode disk status")
	}
}
