package interfaces_test

import (
	"context"
	"time"

	"lingualink/pkg/interfaces"
)

// Compile-time checks that the minimal doubles used across package tests
// still satisfy the contracts.

type nopStore struct{}

func (nopStore) Get(context.Context, string) ([]byte, error)              { return nil, interfaces.ErrNotFound }
func (nopStore) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (nopStore) Delete(context.Context, string) error                     { return nil }
func (nopStore) HashGet(context.Context, string, string) ([]byte, error) {
	return nil, interfaces.ErrNotFound
}
func (nopStore) HashSet(context.Context, string, string, []byte) error          { return nil }
func (nopStore) HashDelete(context.Context, string, string) error               { return nil }
func (nopStore) HashGetAll(context.Context, string) (map[string][]byte, error)  { return nil, nil }
func (nopStore) CompareAndDelete(context.Context, string, []byte) (bool, error) { return false, nil }
func (nopStore) SetIfAbsent(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, nil
}
func (nopStore) CompareAndSwap(context.Context, string, []byte, []byte) (bool, error) {
	return false, nil
}
func (nopStore) Expire(context.Context, string, time.Duration) (bool, error)   { return false, nil }
func (nopStore) ScanPrefix(context.Context, string) (map[string][]byte, error) { return nil, nil }
func (nopStore) HealthCheck(context.Context) error                             { return nil }
func (nopStore) Close() error                                                  { return nil }

type nopGateway struct{}

func (nopGateway) Send(string, string, interface{}) error      { return nil }
func (nopGateway) Broadcast(string, interface{})               {}
func (nopGateway) OnMessage(string, interfaces.MessageHandler) {}
func (nopGateway) OnDisconnect(interfaces.DisconnectHandler)   {}

type nopSettlement struct{}

func (nopSettlement) Finalize(context.Context, interfaces.SettlementRequest) (*interfaces.SettlementResult, error) {
	return &interfaces.SettlementResult{Success: true}, nil
}
func (nopSettlement) Status(context.Context, string) (*interfaces.SettlementResult, bool, error) {
	return nil, false, nil
}

var (
	_ interfaces.DirectoryStore   = nopStore{}
	_ interfaces.Gateway          = nopGateway{}
	_ interfaces.Notifier         = nopGateway{}
	_ interfaces.SettlementClient = nopSettlement{}
)
