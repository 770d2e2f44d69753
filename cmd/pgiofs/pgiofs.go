/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Apr  8 11:40:12 2019 mstenber
 * Last modified: Sun Apr 28 18:02:33 2019 mstenber
 * Edit time:     41 min
 *
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/device/factory"
	"github.com/fingon/go-pgio/extmap"
	"github.com/fingon/go-pgio/fusefs"
	"github.com/fingon/go-pgio/mlog"
	"github.com/hanwen/go-fuse/fuse/nodefs"
	"github.com/hanwen/go-fuse/fuse/pathfs"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s MOUNTDIR STORAGEDIR\n", os.Args[0])
		flag.PrintDefaults()
	}
	password := flag.String("password", "", "Password (empty = no encryption)")
	salt := flag.String("salt", "salt", "Salt")
	backendp := flag.String("backend", "badger",
		fmt.Sprintf("Backend to use (possible: %v)", factory.List()))
	sectorsize := flag.Int("sectorsize", 4096, "Size of one device sector")
	workers := flag.Int("workers", 4, "Number of device I/O workers")
	cachepages := flag.Int("cachepages", 10000, "Number of pages to cache per file")
	inlinemax := flag.Int("inlinemax", extmap.DefaultInlineMax, "Largest file kept inline in the extent map")
	cpuprofile := flag.String("cpuprofile", "", "CPU profile file")
	memprofile := flag.String("memprofile", "", "Memory profile file")
	profile := flag.Bool("profile", false, "Whether to enable profiling 'bonus stuff'")

	flag.Parse()

	if *profile {
		runtime.SetBlockProfileRate(1000)    // microsecond
		runtime.SetMutexProfileFraction(100) // 1/100 is enough
	}
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	mountpoint := flag.Arg(0)
	storedir := flag.Arg(1)
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}

	beconf := device.BackendConfiguration{Directory: storedir,
		SectorSize: *sectorsize}
	dev := factory.NewCryptoDevice(*backendp, beconf, *workers,
		*password, *salt)
	m := extmap.Map{BlockBits: log2(*sectorsize), Dev: dev,
		InlineMax: *inlinemax}.Init()
	myfs := fusefs.NewFs(dev, m, log2(*sectorsize))
	myfs.CachePages = *cachepages

	opts := &nodefs.Options{}
	pnfs := pathfs.NewPathNodeFs(myfs, nil)
	server, _, err := nodefs.MountRoot(mountpoint, pnfs.Root(), opts)
	if err != nil {
		log.Panic(err)
	}
	if mlog.IsEnabled() {
		server.SetDebug(true)
	}

	// loop is here
	server.Serve()

	// close things in order (could use defer, but rather get things
	// cleared before we get out for memory profiling etc)
	dev.Close()

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.WriteHeapProfile(f)
		f.Close()
		return
	}
}

func log2(v int) uint {
	var bits uint
	for 1<<bits < v {
		bits++
	}
	if 1<<bits != v {
		log.Panicf("not a power of two: %d", v)
	}
	return bits
}
