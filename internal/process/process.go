// Package process carries the BPMN definition of the purchase process that
// the payment workers serve.
package process

import _ "embed"

const (
	ID           = "skyfi-purchase"
	ResourceName = "skyfi-purchase.bpmn"
)

//go:embed skyfi-purchase.bpmn
var Definition []byte
