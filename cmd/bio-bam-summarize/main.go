package main

// bio-bam-summarize computes multi-resolution coverage summaries of a
// position-sorted BAM file.
//
// Usage: bio-bam-summarize [flags] WORKDIR LEVELS PATH

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/bamsummary/pipeline"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
)

var (
	sortFlag           = flag.Bool("sort", false, "Position-sort each level's summary with a second pass")
	outputDirFlag      = flag.String("output-dir", "", "Directory for the final summary files; defaults to WORKDIR")
	outputLocalDirFlag = flag.String("output-local-dir", "", "Local directory for the final summary files; must not name a remote path")
	partitionsFlag     = flag.Int("partitions", 0, "Reducer count per pass; 0 derives it from the input size")
	parallelismFlag    = flag.Int("parallelism", 0, "Concurrent splits and reducers; 0 means the CPU count")
)

// Exit codes.  Configuration problems are distinguished from runtime
// failures, and each pipeline phase fails with its own code.
const (
	exitConfig      = 3
	exitSummarize   = 4
	exitMerge       = 5
	exitSort        = 6
	exitMergeSorted = 7
)

// parseLevels parses the comma-separated LEVELS argument into positive
// integers.
func parseLevels(s string) ([]int, error) {
	var levels []int
	for _, f := range strings.Split(s, ",") {
		lvl, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("summary level %q is not an integer", f)
		}
		if lvl <= 0 {
			return nil, fmt.Errorf("summary level %d is not positive", lvl)
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

func phaseExitCode(phase string) int {
	switch phase {
	case pipeline.PhaseSummarize:
		return exitSummarize
	case pipeline.PhaseMerge:
		return exitMerge
	case pipeline.PhaseSort:
		return exitSort
	case pipeline.PhaseMergeSorted:
		return exitMergeSorted
	}
	return 1
}

func run() int {
	args := flag.Args()
	if len(args) != 3 {
		flag.Usage()
		return exitConfig
	}
	workDir, levelsArg, bamPath := args[0], args[1], args[2]

	levels, err := parseLevels(levelsArg)
	if err != nil {
		log.Error.Printf("%v", err)
		return exitConfig
	}
	if *outputDirFlag != "" && *outputLocalDirFlag != "" {
		log.Error.Printf("-output-dir and -output-local-dir are mutually exclusive")
		return exitConfig
	}
	outDir := *outputDirFlag
	if *outputLocalDirFlag != "" {
		if strings.Contains(*outputLocalDirFlag, "://") {
			log.Error.Printf("-output-local-dir %q names a remote path", *outputLocalDirFlag)
			return exitConfig
		}
		outDir = *outputLocalDirFlag
	}

	driver, err := pipeline.NewDriver(pipeline.Opts{
		WorkDir:    workDir,
		Levels:     levels,
		Sort:       *sortFlag,
		OutputDir:  outDir,
		Partitions: *partitionsFlag,
	}, &pipeline.LocalEngine{Parallelism: *parallelismFlag})
	if err != nil {
		log.Error.Printf("%v", err)
		return exitConfig
	}
	if err := driver.Run(vcontext.Background(), bamPath); err != nil {
		log.Error.Printf("summarize %s: %v", bamPath, err)
		if perr, ok := err.(*pipeline.PhaseError); ok {
			return phaseExitCode(perr.Phase)
		}
		return 1
	}
	return 0
}

func main() {
	flag.Usage = func() {
		os.Stderr.WriteString(`Usage: bio-bam-summarize [flags] WORKDIR LEVELS PATH

Computes a coverage summary of the position-sorted BAM file at PATH for
each level in the comma-separated LEVELS list.  A level-n summary
averages the start and end positions of every n consecutive alignments,
grouped around their midpoints.  One bgzip-compressed file per level,
named <basename>-summary<level>, is written to -output-dir; WORKDIR
holds intermediate files.  With -sort, each summary is rewritten in
leftmost-position order by a second pass.
`)
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	status := run()
	shutdown()
	os.Exit(status)
}
