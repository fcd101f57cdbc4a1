package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/max-cura/rose"
)

var previousPause time.Duration

func gcPause() time.Duration {
	runtime.GC()
	var stats debug.GCStats
	debug.ReadGCStats(&stats)
	pause := stats.PauseTotal - previousPause
	previousPause = stats.PauseTotal
	return pause
}

func main() {
	target := ""
	entries := 0
	flag.StringVar(&target, "target", "rose", "allocator to bench.")
	flag.IntVar(&entries, "entries", 200*10000, "number of entries to test")
	flag.Parse()

	fmt.Println(target)
	fmt.Println("entries:", entries)

	payload := make([]byte, 128)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	switch target {
	case "rose":
		a, err := rose.New()
		if err != nil {
			panic(err)
		}
		th, err := a.Attach()
		if err != nil {
			panic(err)
		}
		lat := rose.NewPercentile()
		bufs := make([][]byte, entries)
		for i := 0; i < entries; i++ {
			t0 := time.Now()
			buf, err := th.AllocBytes(len(payload))
			if err != nil {
				panic(err)
			}
			if i%64 == 0 {
				lat.Add(float64(time.Since(t0).Nanoseconds()))
			}
			copy(buf, payload)
			bufs[i] = buf
		}
		fmt.Println("store:", time.Since(start))
		fmt.Println("gc pause:", gcPause())
		fmt.Printf("alloc p50: %.0fns p99: %.0fns max: %.0fns\n",
			lat.Percentile(50), lat.Percentile(99), lat.Max())

		stat, _ := a.Stat().MarshalJSON()
		fmt.Println(string(stat))

		start = time.Now()
		for i := entries - 1; i >= 0; i-- {
			th.FreeBytes(bufs[i])
		}
		fmt.Println("drain:", time.Since(start))

	case "runtime":
		bufs := make([][]byte, entries)
		for i := 0; i < entries; i++ {
			buf := make([]byte, len(payload))
			copy(buf, payload)
			bufs[i] = buf
		}
		fmt.Println("store:", time.Since(start))
		fmt.Println("gc pause:", gcPause())

	case "bigcache":
		c, err := bigcache.New(context.Background(), bigcache.DefaultConfig(time.Hour))
		if err != nil {
			panic(err)
		}
		for i := 0; i < entries; i++ {
			if err := c.Set(fmt.Sprintf("%08x", i), payload); err != nil {
				panic(err)
			}
		}
		fmt.Println("store:", time.Since(start))
		fmt.Println("gc pause:", gcPause())
	}
}
