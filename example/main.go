package main

import (
	"fmt"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/max-cura/rose"
)

func main() {
	a, err := rose.New()
	if err != nil {
		panic(err)
	}

	start := time.Now()

	var wg conc.WaitGroup
	for w := 0; w < 8; w++ {
		w := w
		wg.Go(func() {
			th, err := a.Attach()
			if err != nil {
				panic(err)
			}
			defer th.Detach()

			for i := 0; i < 100000; i++ {
				size := 1 + (i*7+w)%4096
				buf, err := th.AllocBytes(size)
				if err != nil {
					panic(err)
				}
				buf[0] = byte(i)
				buf[size-1] = byte(w)
				th.FreeBytes(buf)
			}
		})
	}
	wg.Wait()

	fmt.Println("8 workers x 100000 alloc/free:", time.Since(start))

	stat, _ := a.Stat().MarshalJSON()
	fmt.Println(string(stat))
}
