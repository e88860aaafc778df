// Package classify reconciles the three layered classification sources
// (model arrays, manual annotations, and the process-local reclassification
// overlay) into one palette and one effective class id per entity.
package classify

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slideatlas/server/internal/annot"
	"github.com/slideatlas/server/pkg/colormap"
)

// NegativeControl is the reserved class anchored first in synthesized
// palettes and used as the default reassignment target on class deletion.
const NegativeControl = "Negative control"

// Unclassified is the id for entities with no class.
const Unclassified = int32(-1)

// Entity targets for manual annotations and the overlay.
const (
	TargetNucleus = "nucleus"
	TargetPatch   = "patch"
)

var (
	// ErrClassNotFound reports an unknown class name.
	ErrClassNotFound = errors.New("class not found")
	// ErrBadReassign reports an invalid delete-class fallback.
	ErrBadReassign = errors.New("invalid reassignment target")
)

// Class is one palette slot. ID equals the slot index; names are unique.
type Class struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Resolution is the fully layered classification state for one snapshot.
// Base ids hold model+manual resolution without the overlay; Effective ids
// add the overlay on top.
type Resolution struct {
	Palette []Class

	BaseNucleus      []int32
	EffectiveNucleus []int32
	BasePatch        []int32
	EffectivePatch   []int32

	nameToID map[string]int
}

// ClassID returns the palette id for a name.
func (r *Resolution) ClassID(name string) (int, bool) {
	id, ok := r.nameToID[name]
	return id, ok
}

// ColorFor returns the effective hex color for a class id.
func (r *Resolution) ColorFor(id int32) string {
	if id < 0 || int(id) >= len(r.Palette) {
		return colormap.UnclassifiedHex
	}
	return r.Palette[id].Color
}

// Counts tallies effective nucleus ids per class name. Unclassified
// entities are omitted.
func (r *Resolution) Counts() map[string]int {
	counts := make(map[string]int)
	for _, id := range r.EffectiveNucleus {
		if id >= 0 && int(id) < len(r.Palette) {
			counts[r.Palette[id].Name]++
		}
	}
	return counts
}

// Overlay is the volatile, session-scoped reclassification layer: entity ->
// class name, last write wins. It is applied at read time and never baked
// into cached snapshots.
type Overlay struct {
	mu      sync.Mutex
	nucleus map[int]string
	patch   map[int]string
}

// NewOverlay creates an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{
		nucleus: make(map[int]string),
		patch:   make(map[int]string),
	}
}

func (o *Overlay) table(target string) map[int]string {
	if target == TargetPatch {
		return o.patch
	}
	return o.nucleus
}

// Set records entity -> className. Setting the same pair twice is a no-op.
func (o *Overlay) Set(target string, entityID int, className string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.table(target)[entityID] = className
}

// Remove drops an entity's overlay entry.
func (o *Overlay) Remove(target string, entityID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.table(target), entityID)
}

// Get returns the overlay class for an entity, if any.
func (o *Overlay) Get(target string, entityID int) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	name, ok := o.table(target)[entityID]
	return name, ok
}

// Len returns the number of overlay entries for a target.
func (o *Overlay) Len(target string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.table(target))
}

// DropClass removes every overlay entry pointing at a deleted class name.
func (o *Overlay) DropClass(className string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, table := range []map[int]string{o.nucleus, o.patch} {
		for id, name := range table {
			if name == className {
				delete(table, id)
			}
		}
	}
}

// Clear empties the overlay.
func (o *Overlay) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nucleus = make(map[int]string)
	o.patch = make(map[int]string)
}

// snapshot copies both tables so Resolve can work without holding the lock.
func (o *Overlay) snapshot() (nucleus, patch map[int]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	nucleus = make(map[int]string, len(o.nucleus))
	for k, v := range o.nucleus {
		nucleus[k] = v
	}
	patch = make(map[int]string, len(o.patch))
	for k, v := range o.patch {
		patch[k] = v
	}
	return nucleus, patch
}

// Resolve layers the classification sources of one parsed container.
// Precedence per entity: model id, then a manual annotation newer than the
// model timestamp, then the overlay. Malformed or out-of-range records are
// skipped individually and logged, never fatal to the batch.
func Resolve(file *annot.File, overlay *Overlay, logger *slog.Logger) (*Resolution, error) {
	if logger == nil {
		logger = slog.Default()
	}

	res := &Resolution{nameToID: make(map[string]int)}

	names, err := file.StringList(annot.DSClassNames)
	if err != nil {
		return nil, err
	}
	colors, err := file.StringList(annot.DSClassColors)
	if err != nil {
		return nil, err
	}

	manual, err := file.ManualAnnotations()
	if err != nil {
		return nil, err
	}

	if len(names) > 0 {
		for i, name := range names {
			color := colormap.ForIndex(i)
			if i < len(colors) {
				color = colormap.Normalize(colors[i])
			}
			res.appendClass(name, color)
		}
	} else if len(manual) > 0 {
		// No model palette: synthesize one from the distinct manual
		// class names, anchoring the reserved control class first.
		res.appendClass(NegativeControl, colormap.ForIndex(0))
		for _, m := range manual {
			if m.ClassName == "" {
				continue
			}
			if _, ok := res.nameToID[m.ClassName]; !ok {
				res.appendClass(m.ClassName, colormap.ForIndex(len(res.Palette)))
			}
		}
	}

	res.BaseNucleus = baseIDs(file, annot.DSNucleiClassIDs, annot.DSNucleiCentroids, len(names) > 0)
	res.BasePatch = basePatchIDs(file, len(names) > 0)

	// Manual annotations apply only when newer than the model output.
	modelTS := file.ModelTimestamp
	for _, m := range manual {
		if modelTS > 0 && m.Timestamp <= modelTS {
			continue
		}

		ids := res.targetIDs(m.Target)
		if m.EntityID < 0 || m.EntityID >= len(ids) {
			logger.Warn("manual annotation references out-of-range entity; skipped",
				"target", m.Target, "entity", m.EntityID, "class", m.ClassName)
			continue
		}

		id, ok := res.nameToID[m.ClassName]
		if !ok {
			// Unseen class names append; existing ids never renumber.
			id = res.appendClass(m.ClassName, colormap.ForIndex(len(res.Palette)))
		}
		ids[m.EntityID] = int32(id)
	}

	// The overlay is the final word.
	res.EffectiveNucleus = append([]int32(nil), res.BaseNucleus...)
	res.EffectivePatch = append([]int32(nil), res.BasePatch...)

	if overlay != nil {
		nucleus, patch := overlay.snapshot()
		applyOverlay(res, res.EffectiveNucleus, nucleus, TargetNucleus, logger)
		applyOverlay(res, res.EffectivePatch, patch, TargetPatch, logger)
	}

	return res, nil
}

func applyOverlay(res *Resolution, ids []int32, entries map[int]string, target string, logger *slog.Logger) {
	for entityID, className := range entries {
		if entityID < 0 || entityID >= len(ids) {
			logger.Warn("overlay references out-of-range entity; skipped",
				"target", target, "entity", entityID, "class", className)
			continue
		}
		id, ok := res.nameToID[className]
		if !ok {
			logger.Warn("overlay references unknown class; skipped",
				"target", target, "entity", entityID, "class", className)
			continue
		}
		ids[entityID] = int32(id)
	}
}

func (r *Resolution) appendClass(name, color string) int {
	id := len(r.Palette)
	r.Palette = append(r.Palette, Class{ID: id, Name: name, Color: color})
	r.nameToID[name] = id
	return id
}

func (r *Resolution) targetIDs(target string) []int32 {
	if target == TargetPatch {
		return r.BasePatch
	}
	return r.BaseNucleus
}

// baseIDs seeds per-entity ids from a model array, or all-unclassified when
// the model array is absent but the entity array exists.
func baseIDs(file *annot.File, idsName, fallbackShape string, haveModel bool) []int32 {
	if ds := file.Dataset(idsName); ds != nil && haveModel {
		return append([]int32(nil), ds.Int32s...)
	}

	n := file.Len(idsName)
	if n == 0 {
		n = file.Len(fallbackShape)
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = Unclassified
	}
	return out
}

func basePatchIDs(file *annot.File, haveModel bool) []int32 {
	ids := baseIDs(file, annot.DSPatchClassIDs, annot.DSPatchRects, haveModel)

	// Per-index manual overrides stored alongside the model grid.
	if manual := file.Dataset(annot.DSPatchManualIDs); manual != nil {
		for i, v := range manual.Int32s {
			if i < len(ids) && v >= 0 {
				ids[i] = v
			}
		}
	}
	return ids
}

// DeleteClass durably removes a class: every entity of the deleted class is
// reassigned to reassignTo (NegativeControl when empty), the palette slot
// is removed and subsequent ids shift down by one, and the rewritten arrays
// are persisted through an atomic container rewrite by the caller. The
// returned file is the mutated container.
func DeleteClass(file *annot.File, name, reassignTo string) (*annot.File, error) {
	names, err := file.StringList(annot.DSClassNames)
	if err != nil {
		return nil, err
	}

	deleted := indexOf(names, name)
	if deleted < 0 {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
	}

	if reassignTo == "" {
		reassignTo = NegativeControl
	}
	fallback := indexOf(names, reassignTo)
	if fallback < 0 || reassignTo == name {
		return nil, fmt.Errorf("%w: %s", ErrBadReassign, reassignTo)
	}

	remap := func(id int32) int32 {
		if id == int32(deleted) {
			id = int32(fallback)
		}
		// Compaction shifts later ids down; no dangling ids remain.
		if id > int32(deleted) {
			id--
		}
		return id
	}

	colors, err := file.StringList(annot.DSClassColors)
	if err != nil {
		return nil, err
	}

	newNames := append(append([]string(nil), names[:deleted]...), names[deleted+1:]...)
	var newColors []string
	if len(colors) == len(names) {
		newColors = append(append([]string(nil), colors[:deleted]...), colors[deleted+1:]...)
	}

	out := &annot.File{
		Slide:          file.Slide,
		ModelTimestamp: file.ModelTimestamp,
		Datasets:       make(map[string]*annot.Dataset, len(file.Datasets)),
	}
	for k, v := range file.Datasets {
		out.Datasets[k] = v
	}

	namesDS, err := annot.JSONDataset(annot.DSClassNames, newNames)
	if err != nil {
		return nil, err
	}
	out.Datasets[annot.DSClassNames] = namesDS

	if newColors != nil {
		colorsDS, err := annot.JSONDataset(annot.DSClassColors, newColors)
		if err != nil {
			return nil, err
		}
		out.Datasets[annot.DSClassColors] = colorsDS
	}

	for _, dsName := range []string{annot.DSNucleiClassIDs, annot.DSPatchClassIDs, annot.DSPatchManualIDs} {
		ds := file.Dataset(dsName)
		if ds == nil {
			continue
		}
		remapped := make([]int32, len(ds.Int32s))
		for i, id := range ds.Int32s {
			if id < 0 {
				remapped[i] = id
				continue
			}
			remapped[i] = remap(id)
		}
		out.Datasets[dsName] = &annot.Dataset{
			Name:   dsName,
			Dtype:  annot.DtypeInt32,
			Shape:  ds.Shape,
			Int32s: remapped,
		}
	}

	// Manual records naming the deleted class would re-append it on the
	// next resolve; retarget them so the reassignment holds durably even
	// for entities classified only through a manual record.
	manual, err := file.ManualAnnotations()
	if err != nil {
		return nil, err
	}
	retargeted := false
	for i := range manual {
		if manual[i].ClassName == name {
			manual[i].ClassName = reassignTo
			retargeted = true
		}
	}
	if retargeted {
		manualDS, err := annot.JSONDataset(annot.DSManualAnnots, manual)
		if err != nil {
			return nil, err
		}
		out.Datasets[annot.DSManualAnnots] = manualDS
	}

	return out, nil
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
