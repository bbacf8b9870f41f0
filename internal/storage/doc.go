// Package storage provides the durable Job Store backends.
//
// Every backend implements job.Store; status changes go exclusively through
// CompareAndSetStatus, which each backend maps to a single conditional write.
package storage
