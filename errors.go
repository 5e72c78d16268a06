package lwm2mcore

import "errors"

// Sentinel errors returned by the data model mediator and registry. Callers
// use errors.Is to distinguish them from the wrapped, path-specific errors
// that wrap one of these with fmt.Errorf("...: %w", err).
var (
	errObjectNotFound    = errors.New("lwm2mcore: object not found")
	errInstanceNotFound  = errors.New("lwm2mcore: instance not found")
	errResourceNotFound  = errors.New("lwm2mcore: resource not found")
	errInstanceExists    = errors.New("lwm2mcore: instance already exists")
	errTooManyInstances  = errors.New("lwm2mcore: object instance limit reached")
	errNotReadable       = errors.New("lwm2mcore: resource is not readable")
	errNotWritable       = errors.New("lwm2mcore: resource is not writable")
	errNotExecutable     = errors.New("lwm2mcore: resource is not executable")
	errNotMultiInstance  = errors.New("lwm2mcore: resource is not multi-instance")
	errIsMultiInstance   = errors.New("lwm2mcore: resource is multi-instance, riid required")
	errTransactionActive = errors.New("lwm2mcore: transaction already in progress")
)
