package a

type Payload interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"

type Result any

func decodeInput(v interface{}) { // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
	_ = v
}

func decodeOutput(v any) {
	_ = v
}

func queryResult() interface{} { // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
	return nil
}

func queryRows() any {
	return nil
}

type jobRow struct {
	Input interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
}

type workflowRow struct {
	Input any
}

var stepOutputs map[string]interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"

var stepResults map[string]any

var queryArgs []interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"

var scanArgs []any

var updates chan interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"

var frames chan any

var resultSets map[string][]interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"

var rowSets map[string][]any

func assertPayload() {
	var x interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
	_ = x.(string)
}

func assertRow() {
	var x any
	_ = x.(string)
}

func compareResults(prev interface{}, next interface{}) { // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)" "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
	_, _ = prev, next
}

func diffResults(prev any, next any) {
	_, _ = prev, next
}

func legacyGeneral() {
	//nolint
	var x interface{}
	_ = x
}

func legacySpecific() {
	var x interface{} //nolint:nointerface
	_ = x
}

func legacyOther() {
	var x interface{} //nolint:otherlinter // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
	_ = x
}

// nolint
func legacyDecode(v interface{}) {
	_ = v
}

func legacyField() {
	type row struct {
		//nolint
		Payload interface{}
	}
	_ = row{}
}

type Handler interface {
	Execute() string
}

func runHandler(h Handler) {
	_ = h
}

type Store interface {
	Get(id string) (string, error)
	Put(id, value string) error
}

func useStore(s Store) {
	_ = s
}
