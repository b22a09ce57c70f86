// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// requestValidate is the validator instance for API request types.
var requestValidate *validator.Validate

// packageRefPattern accepts the textual package reference shapes the API
// takes: raw hex, "hash-", "package-", or "contract-package-" prefixed.
var packageRefPattern = regexp.MustCompile(`^(hash-|package-|contract-package-)?[0-9a-fA-F]{64}$`)

func init() {
	requestValidate = validator.New()
	if err := requestValidate.RegisterValidation("packageref", validatePackageRef); err != nil {
		panic(fmt.Sprintf("failed to register packageref validator: %v", err))
	}
}

func validatePackageRef(fl validator.FieldLevel) bool {
	return packageRefPattern.MatchString(fl.Field().String())
}

// RegisterPackageRequest registers a contract package for tracking.
//
// Uses go-playground/validator tags:
//   - package_hash: required, one of the accepted package reference shapes
//   - package_name: required, at most 128 characters
//   - network: optional, defaults to the service network
//   - user_id: optional UUID of the registrant
type RegisterPackageRequest struct {
	PackageHash string `json:"package_hash" validate:"required,packageref"`
	PackageName string `json:"package_name" validate:"required,max=128"`
	Network     string `json:"network" validate:"omitempty,oneof=mainnet testnet localnet"`
	UserID      string `json:"user_id" validate:"omitempty,uuid"`
}

// Validate checks the request against its validation tags.
func (r *RegisterPackageRequest) Validate() error {
	return requestValidate.Struct(r)
}

// DiffQuery selects the two versions of a diff request.
type DiffQuery struct {
	Older uint32 `form:"older" json:"older" validate:"gte=1"`
	Newer uint32 `form:"newer" json:"newer" validate:"gte=1"`
}

// Validate checks the query against its validation tags. Ordering between
// Older and Newer is checked by the diff computer, not here.
func (q *DiffQuery) Validate() error {
	return requestValidate.Struct(q)
}

// ErrorResponse is the JSON body returned on failed API requests.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
