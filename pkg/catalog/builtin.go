package catalog

// DefaultVersion is the built-in catalog version shipped with the binary.
const DefaultVersion = "v1"

// Default returns the built-in catalog. These are the only component types
// the generic recipes emit; domain shells may load extended catalogs from
// YAML at startup but never at runtime.
func Default() *Catalog {
	c, err := NewCatalog(DefaultVersion, []ComponentSchema{
		{
			Type: "search_bar",
			Properties: map[string]PropertySpec{
				"placeholder": {Type: "string"},
				"query":       {Type: "string"},
			},
			Actions: []string{"search"},
		},
		{
			Type: "result_list",
			Properties: map[string]PropertySpec{
				"items":      {Type: "array", Required: true},
				"empty_text": {Type: "string"},
			},
			Actions: []string{"select"},
		},
		{
			Type: "detail_card",
			Properties: map[string]PropertySpec{
				"title":  {Type: "string", Required: true},
				"fields": {Type: "object"},
			},
			Actions: []string{"edit", "close"},
		},
		{
			Type: "form_card",
			Properties: map[string]PropertySpec{
				"title":  {Type: "string", Required: true},
				"fields": {Type: "object", Required: true},
				"values": {Type: "object"},
				"status": {Type: "string"},
			},
			Actions: []string{"submit", "cancel"},
		},
		{
			Type: "approval_card",
			Properties: map[string]PropertySpec{
				"title":   {Type: "string", Required: true},
				"summary": {Type: "string"},
				"risk":    {Type: "string", Enum: []string{"low", "medium", "high"}},
				"status":  {Type: "string"},
			},
			Actions: []string{"confirm", "cancel"},
		},
		{
			Type: "progress_card",
			Properties: map[string]PropertySpec{
				"title":    {Type: "string", Required: true},
				"status":   {Type: "string", Required: true},
				"progress": {Type: "number"},
			},
			Actions: []string{"cancel"},
		},
		{
			Type: "dashboard_grid",
			Properties: map[string]PropertySpec{
				"columns": {Type: "number"},
			},
		},
		{
			Type: "summary_tile",
			Properties: map[string]PropertySpec{
				"label": {Type: "string", Required: true},
				"value": {Type: "string"},
			},
			Actions: []string{"select"},
		},
		{
			Type: "wizard_step",
			Properties: map[string]PropertySpec{
				"title":  {Type: "string", Required: true},
				"step":   {Type: "number", Required: true},
				"total":  {Type: "number", Required: true},
				"fields": {Type: "object"},
			},
			Actions: []string{"next", "back", "cancel"},
		},
		{
			Type: "text_block",
			Properties: map[string]PropertySpec{
				"text": {Type: "string", Required: true},
			},
		},
	})
	if err != nil {
		// The built-in catalog is covered by tests; a construction failure
		// is a programming error.
		panic(err)
	}
	return c
}
