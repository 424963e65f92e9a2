package telemetry

// Field names one reconciled telemetry value
type Field string

const (
	FieldUsage     Field = "models_usage"
	FieldLLMCalls  Field = "llm_calls"
	FieldToolCalls Field = "tool_calls"
	FieldResponse  Field = "response"
	FieldCost      Field = "total_cost"
	FieldModel     Field = "model"
)

// Source binds an extractor to the artifact it reads. Extract runs at most
// once per reconciliation.
type Source struct {
	Name    string
	Extract func() (Record, error)
}

// Reconciled is the merged telemetry of one run.
type Reconciled struct {
	Record
	// Origins records which source supplied each field.
	Origins map[Field]string
	// Rejected holds the reason every unusable source was discarded.
	Rejected map[string]error
}

// Reconcile walks sources in priority order and fills each field from the
// first usable source that has it. A source's record is taken or dropped
// as a whole; fields are never combined across sources.
func Reconcile(sources ...Source) Reconciled {
	out := Reconciled{
		Record:   Record{ModelsUsage: ModelUsage{}},
		Origins:  map[Field]string{},
		Rejected: map[string]error{},
	}

	for _, src := range sources {
		if src.Extract == nil {
			continue
		}
		rec, err := src.Extract()
		if err == nil {
			err = rec.Validate()
		}
		if err != nil {
			out.Rejected[src.Name] = err
			continue
		}
		out.take(src.Name, rec)
	}

	if out.Model != "" && len(out.ModelsUsage) == 1 {
		out.ModelsUsage.Rename(UnknownModel, out.Model)
	}
	return out
}

func (r *Reconciled) take(name string, rec Record) {
	if _, ok := r.Origins[FieldUsage]; !ok && len(rec.ModelsUsage) > 0 {
		r.ModelsUsage = rec.ModelsUsage.Clone()
		r.Origins[FieldUsage] = name
	}
	if r.LLMCalls == nil && rec.LLMCalls != nil {
		r.LLMCalls = Int(*rec.LLMCalls)
		r.Origins[FieldLLMCalls] = name
	}
	if r.ToolCalls == nil && rec.ToolCalls != nil {
		r.ToolCalls = Int(*rec.ToolCalls)
		r.Origins[FieldToolCalls] = name
	}
	if r.Response == nil && rec.Response != nil {
		r.Response = Text(*rec.Response)
		if r.Response != nil {
			r.Origins[FieldResponse] = name
		}
	}
	if r.TotalCost == nil && rec.TotalCost != nil {
		r.TotalCost = Float(*rec.TotalCost)
		r.Origins[FieldCost] = name
	}
	if r.Model == "" && rec.Model != "" {
		r.Model = rec.Model
		r.Origins[FieldModel] = name
	}
}
