// Package provider routes model requests to the configured backend drivers.
package provider
