package coroutines

import (
	"context"
	"fmt"
	"strings"
)

// Format renders a dump as text. With frames set, the continuation stack
// of every coroutine is walked, so it must run on the manager thread.
func Format(ctx context.Context, cache *InfoCache, frames bool) string {
	if !cache.IsOk() {
		return fmt.Sprintf("No coroutine information available: %v\n", cache.Err())
	}
	var b strings.Builder
	snapshots := cache.Snapshots()
	fmt.Fprintf(&b, "Coroutines dump (%s strategy): %d coroutines\n", cache.Strategy(), len(snapshots))
	for _, s := range snapshots {
		b.WriteString("\n")
		fmt.Fprintf(&b, "Coroutine %q, state: %s", s.DisplayName(), s.State)
		if s.Dispatcher != nil {
			fmt.Fprintf(&b, ", dispatcher: %s", *s.Dispatcher)
		}
		b.WriteString("\n")
		if s.LastObservedThread != nil {
			fmt.Fprintf(&b, "\tlast observed on %s\n", s.LastObservedThread)
		}
		if frames {
			stack, err := s.ContinuationFrames(ctx)
			if err != nil {
				fmt.Fprintf(&b, "\t<continuation frames unavailable: %v>\n", err)
			}
			for _, f := range stack {
				fmt.Fprintf(&b, "\tat %s\n", f.Frame)
				for _, v := range f.SpilledVariables {
					fmt.Fprintf(&b, "\t\t%s (%s)\n", v.Name, v.Field)
				}
				if f.LocalsUnknown {
					b.WriteString("\t\t<locals unknown>\n")
				}
			}
		}
		if len(s.CreationFrames) > 0 {
			b.WriteString("\tcreated at\n")
			for _, f := range s.CreationFrames {
				fmt.Fprintf(&b, "\t\t%s\n", f.Frame)
			}
		}
	}
	return b.String()
}
