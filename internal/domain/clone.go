package domain

// Clone returns a deep copy of the case; the copy shares no slices or maps.
func (c Case) Clone() Case {
	out := c
	if c.Stage1.Result != nil {
		r := *c.Stage1.Result
		r.KeyFactors = cloneStrings(c.Stage1.Result.KeyFactors)
		out.Stage1.Result = &r
	}
	if c.Stage2.Labs != nil {
		labs := *c.Stage2.Labs
		out.Stage2.Labs = &labs
	}
	if c.Stage2.Classification != nil {
		cl := *c.Stage2.Classification
		if c.Stage2.Classification.Probabilities != nil {
			cl.Probabilities = make(map[ClassLabel]float64, len(c.Stage2.Classification.Probabilities))
			for k, v := range c.Stage2.Classification.Probabilities {
				cl.Probabilities[k] = v
			}
		}
		cl.Reasons = cloneStrings(c.Stage2.Classification.Reasons)
		out.Stage2.Classification = &cl
	}
	if c.Stage3.Inputs != nil {
		in := *c.Stage3.Inputs
		out.Stage3.Inputs = &in
	}
	if c.Stage3.ConversionCurve != nil {
		out.Stage3.ConversionCurve = append([]CurvePoint(nil), c.Stage3.ConversionCurve...)
	}
	if c.Stage3.CarePlan != nil {
		out.Stage3.CarePlan = append([]CarePlanItem(nil), c.Stage3.CarePlan...)
	}
	if c.Ops.LoopStep != nil {
		out.Ops.LoopStep = make(map[Stage]int, len(c.Ops.LoopStep))
		for k, v := range c.Ops.LoopStep {
			out.Ops.LoopStep[k] = v
		}
	}
	return out
}

// Clone returns a copy of the event including its meta map.
func (e TimelineEvent) Clone() TimelineEvent {
	out := e
	if e.Meta != nil {
		out.Meta = make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
