// Package signer builds server-paid post transactions and hands them to an
// external signing backend.
package signer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned by signers that cannot sign transactions.
var ErrUnavailable = errors.New("transaction signing unavailable")

// expirationLayout is the chain's timestamp format: UTC, millisecond
// precision, no zone suffix.
const expirationLayout = "2006-01-02T15:04:05.000"

// Post is the user-signed post carried by a createpost action.
type Post struct {
	User     string `json:"user"`
	Sequence uint64 `json:"sequence"`
	Name     string `json:"name"`
	Message  string `json:"message"`
}

// Request is the body of a sign request.
type Request struct {
	Post      Post   `json:"post"`
	Signature string `json:"signature"`
}

// Validate reports whether the request carries the fields the contract needs.
func (r Request) Validate() error {
	switch {
	case r.Post.User == "":
		return errors.New("post.user is required")
	case r.Post.Name == "":
		return errors.New("post.name is required")
	case r.Signature == "":
		return errors.New("signature is required")
	}
	return nil
}

// Result is a signed, packed transaction ready for broadcast by the client.
type Result struct {
	Signatures []string `json:"signatures"`
	PackedTrx  string   `json:"packed_trx"`
}

// Authorization is an actor/permission pair.
type Authorization struct {
	Actor      string `json:"actor"`
	Permission string `json:"permission"`
}

// Action is one transaction action.
type Action struct {
	Account       string          `json:"account"`
	Name          string          `json:"name"`
	Authorization []Authorization `json:"authorization"`
	Data          any             `json:"data"`
}

// Transaction is the unsigned transaction handed to a Signer.
type Transaction struct {
	Expiration string   `json:"expiration"`
	Actions    []Action `json:"actions"`
}

// Signer signs transactions without broadcasting them.
type Signer interface {
	Sign(ctx context.Context, trx Transaction) (*Result, error)
}

// Config describes the server-pays account and the watched contract.
type Config struct {
	TalkContract   string
	PaysAccount    string
	PaysPermission string
	NoopContract   string
	NoopAction     string
	Expiry         time.Duration // default 2m
}

// createPostData is the createpost action payload.
type createPostData struct {
	Signature string `json:"signature"`
	Post      Post   `json:"post"`
}

// BuildTransaction returns the transaction for req: a noop action authorised
// by the paying account followed by the unauthorised createpost.
func BuildTransaction(cfg Config, req Request, now time.Time) (Transaction, error) {
	if err := req.Validate(); err != nil {
		return Transaction{}, fmt.Errorf("invalid sign request: %w", err)
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 2 * time.Minute
	}
	return Transaction{
		Expiration: now.UTC().Add(cfg.Expiry).Format(expirationLayout),
		Actions: []Action{
			{
				Account: cfg.NoopContract,
				Name:    cfg.NoopAction,
				Authorization: []Authorization{
					{Actor: cfg.PaysAccount, Permission: cfg.PaysPermission},
				},
				Data: struct{}{},
			},
			{
				Account:       cfg.TalkContract,
				Name:          "createpost",
				Authorization: []Authorization{},
				Data:          createPostData{Signature: req.Signature, Post: req.Post},
			},
		},
	}, nil
}
