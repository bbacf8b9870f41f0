// Package job defines the scheduled message record, its status state machine,
// the error taxonomy shared by the dispatch path, and the Store contract.
package job
