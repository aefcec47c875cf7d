package wallet

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("wallet not connected")
	ErrRejected     = errors.New("wallet rejected request")
)

// Permission is a capability requested from the wallet on connect.
type Permission string

const (
	PermAccessAddress   Permission = "ACCESS_ADDRESS"
	PermAccessPublicKey Permission = "ACCESS_PUBLIC_KEY"
	PermSignTransaction Permission = "SIGN_TRANSACTION"
	PermSignature       Permission = "SIGNATURE"
)

// UploadPermissions is the set requested before a batch upload.
var UploadPermissions = []Permission{
	PermAccessAddress,
	PermAccessPublicKey,
	PermSignTransaction,
	PermSignature,
}

// Connector yields the uploader's wallet address.
type Connector interface {
	Connect(ctx context.Context, perms []Permission) (string, error)
	ActiveAddress(ctx context.Context) (string, error)
	Disconnect(ctx context.Context) error
}
