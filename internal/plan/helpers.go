package plan

import "strings"

// FirstIncomplete returns the indices of the first incomplete item in plan
// order. Steps with zero items are skipped.
func FirstIncomplete(steps []*Step) (stepIdx, itemIdx int, ok bool) {
	for si, step := range steps {
		if step == nil || len(step.Items) == 0 {
			continue
		}
		for ii, item := range step.Items {
			if item != nil && item.Status != StatusComplete {
				return si, ii, true
			}
		}
	}
	return 0, 0, false
}

// IsComplete reports whether every item of every step is complete.
func IsComplete(steps []*Step) bool {
	_, _, ok := FirstIncomplete(steps)
	return !ok
}

// IncompleteItems returns the incomplete items of a step in order.
func IncompleteItems(step *Step) []*Item {
	var out []*Item
	for _, item := range step.Items {
		if item != nil && item.Status != StatusComplete {
			out = append(out, item)
		}
	}
	return out
}

// AppendMissingSteps appends incoming steps not already present in the plan,
// matched by action first and id second. Returns how many were appended.
func AppendMissingSteps(p *Plan, incoming []*Step) int {
	appended := 0
	for _, in := range incoming {
		if in == nil {
			continue
		}
		found := false
		for _, existing := range p.Steps {
			if existing == nil {
				continue
			}
			if in.Action != "" && strings.EqualFold(existing.Action, in.Action) {
				found = true
				break
			}
			if in.ID != "" && existing.ID == in.ID {
				found = true
				break
			}
		}
		if !found {
			p.Steps = append(p.Steps, in)
			appended++
		}
	}
	return appended
}

// AdoptItemData copies freshly fetched step data into the owned plan:
// missing item data is filled in and backend-side completions are adopted.
// Completion is monotonic, so a fetched incomplete status never downgrades
// an item the engine already completed.
func AdoptItemData(dst *Plan, src *Plan) {
	if src == nil {
		return
	}
	for _, srcStep := range src.Steps {
		if srcStep == nil {
			continue
		}
		dstStep := findStep(dst, srcStep)
		if dstStep == nil {
			continue
		}
		for i, srcItem := range srcStep.Items {
			if i >= len(dstStep.Items) || srcItem == nil {
				break
			}
			dstItem := dstStep.Items[i]
			if dstItem.Data == nil && srcItem.Data != nil {
				dstItem.Data = srcItem.Data.Clone()
			}
			if srcItem.Status == StatusComplete {
				dstItem.Status = StatusComplete
			}
		}
	}
}

func findStep(p *Plan, ref *Step) *Step {
	for _, step := range p.Steps {
		if step == nil {
			continue
		}
		if ref.ID != "" && step.ID == ref.ID {
			return step
		}
		if ref.Action != "" && strings.EqualFold(step.Action, ref.Action) {
			return step
		}
	}
	return nil
}

// Snapshot deep-copies the steps so progress observers never see the live,
// engine-owned plan.
func Snapshot(steps []*Step) []*Step {
	out := make([]*Step, len(steps))
	for i, step := range steps {
		out[i] = step.Clone()
	}
	return out
}

func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{
		Fees:    cloneRaw(p.Fees),
		Details: cloneRaw(p.Details),
		Error:   p.Error,
	}
	out.Steps = Snapshot(p.Steps)
	return out
}

func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	out := *s
	out.Items = make([]*Item, len(s.Items))
	for i, item := range s.Items {
		out.Items[i] = item.Clone()
	}
	return &out
}

func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	out := *it
	out.Data = it.Data.Clone()
	out.TxHashes = append([]TxHashEntry(nil), it.TxHashes...)
	out.InternalTxHashes = append([]TxHashEntry(nil), it.InternalTxHashes...)
	out.OrderData = append([]OrderData(nil), it.OrderData...)
	out.ErrorData = cloneRaw(it.ErrorData)
	return &out
}

func (d *ItemData) Clone() *ItemData {
	if d == nil {
		return nil
	}
	out := *d
	if d.Sign != nil {
		sign := *d.Sign
		sign.Domain = cloneRaw(d.Sign.Domain)
		sign.Types = cloneRaw(d.Sign.Types)
		sign.Value = cloneRaw(d.Sign.Value)
		out.Sign = &sign
	}
	if d.Post != nil {
		post := *d.Post
		post.Body = cloneRaw(d.Post.Body)
		out.Post = &post
	}
	return &out
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	return append([]byte(nil), raw...)
}
