// Package render turns a completed pipeline result into user-facing output.
// A concrete renderer only ever consumes grouping.ResultGroup values and the
// shadow-visibility filter in internal/grouping; tree and diff renderers are
// named as future extensions of this interface but are not implemented here.
package render

import (
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/ivoronin/dupion/internal/grouping"
	"github.com/ivoronin/dupion/internal/vfs"
)

// Renderer formats a set of duplicate groups, already filtered through the
// configured shadow rule, to w.
type Renderer interface {
	Render(w io.Writer, idx *vfs.Index, groups []grouping.ResultGroup, rule grouping.ShadowRule) error
}

// ForOutput resolves the --output flag to a Renderer. "tree" and "diff" are
// reserved names for future renderers; only "groups" and "-" (an alias for
// "groups" on stdout) are implemented today.
func ForOutput(name string) (Renderer, error) {
	switch name {
	case "groups", "-", "":
		return groupsRenderer{}, nil
	case "tree", "diff":
		return nil, fmt.Errorf("render: %q output is not implemented", name)
	default:
		return nil, fmt.Errorf("render: unknown output %q", name)
	}
}

// groupsRenderer prints one duplicate group per block: a header giving the
// shared size and the number of visible copies, followed by every visible
// member's path.
type groupsRenderer struct{}

func (groupsRenderer) Render(w io.Writer, idx *vfs.Index, groups []grouping.ResultGroup, rule grouping.ShadowRule) error {
	var reclaimable uint64
	shown := 0
	for _, g := range groups {
		visible, ok := grouping.Visible(idx, g, rule)
		if !ok {
			continue
		}
		shown++
		fmt.Fprintf(w, "%s (%d copies, %s each)\n", humanize.IBytes(visible.Size), len(visible.Members), humanize.IBytes(visible.Size))
		members := append([]grouping.Contributor(nil), visible.Members...)
		sort.Slice(members, func(i, j int) bool {
			return idx.Get(members[i].ID).Path < idx.Get(members[j].ID).Path
		})
		for _, m := range members {
			e := idx.Get(m.ID)
			kind := "f"
			if m.Kind == grouping.KindDir {
				kind = "d"
			}
			fmt.Fprintf(w, "  [%s] %s\n", kind, e.Path)
		}
		reclaimable += visible.Size * uint64(len(visible.Members)-1)
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d duplicate group(s), %s reclaimable\n", shown, humanize.IBytes(reclaimable))
	return nil
}
