// File: cmd/poolprobe/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// poolprobe is a small operator tool: attach to a named segment, print its
// debug/metrics snapshot, and optionally force-nuke it. One main.go per
// scenario, the way the teacher's examples/ directory was organized before
// this domain's transformation dropped the WS-specific scenarios it held.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/crosspool/hybridmem/facade"
)

func main() {
	var (
		segmentName = flag.String("segment", "hybridmem", "named shared-memory segment to attach to")
		segmentSize = flag.Int64("size", 64<<20, "segment size in bytes to map; a smaller existing backing file is grown to this size")
		cpuBudget   = flag.Int64("cpu-budget", 16<<20, "CPU budget in bytes")
		gpuBudget   = flag.Int64("gpu-budget", 256<<20, "GPU budget in bytes")
		nuke        = flag.Bool("nuke", false, "tear down every named object in the segment instead of reporting stats")
	)
	flag.Parse()

	cfg := facade.DefaultConfig()
	cfg.SegmentName = *segmentName
	cfg.SegmentSize = *segmentSize
	cfg.CPUBudgetBytes = *cpuBudget
	cfg.GPUBudgetBytes = *gpuBudget
	cfg.EnableAuditorLoop = false

	f, err := facade.New(cfg)
	if err != nil {
		log.Fatalf("poolprobe: attach: %v", err)
	}
	if err := f.Start(); err != nil {
		log.Fatalf("poolprobe: start: %v", err)
	}
	defer f.Shutdown()

	if *nuke {
		if err := f.Nuke(); err != nil {
			log.Fatalf("poolprobe: nuke: %v", err)
		}
		fmt.Println("segment nuked")
		return
	}

	fmt.Printf("valid: %v\n", f.IsValid())
	stats := f.GetControl().Stats()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		log.Fatalf("poolprobe: encode stats: %v", err)
	}
}
