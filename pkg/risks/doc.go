// Package risks is the risk-tracking feature extension.
//
// It owns two handles, both created by New: a blueprint carrying the feature's
// templates, static assets and routes, and the "ggrc_risks" signal namespace whose
// status_changed signal announces risk status transitions. The application
// bootstrap builds the Extension once, registers it with the host App and hands
// it to every module that sends or observes risk signals.
package risks
