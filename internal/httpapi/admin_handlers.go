package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/ledger"
	"laurel.org/internal/permit"
	"laurel.org/internal/roles"
)

type maxSupplyRequest struct {
	MaxSupply *uint64 `json:"max_supply"`
}

type accountRequest struct {
	Account string `json:"account"`
}

type roleResponse struct {
	Role    roles.Role `json:"role"`
	Members []string   `json:"members"`
}

type stateResponse struct {
	State string `json:"state"`
}

type nonceResponse struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

type domainResponse struct {
	permit.Domain
	Separator string         `json:"separator"`
	Variant   ledger.Variant `json:"variant"`
	Type      string         `json:"type"`
}

func (a *API) handleSetMaxSupply(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if a.deps.Scarcity == nil {
		handleLedgerError(w, r, fmt.Errorf("%w: supply caps apply to collectibles", ledger.ErrWrongVariant))
		return
	}
	tag, err := ledger.TagFromString(r.PathValue("tag"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	var body maxSupplyRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if body.MaxSupply == nil {
		handleLedgerError(w, r, badInput("max_supply is required"))
		return
	}
	if err := a.deps.Scarcity.SetMaxSupply(r.Context(), who, tag, *body.MaxSupply); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Scarcity.Supply(r.Context(), tag))
}

func (a *API) handleSupply(w http.ResponseWriter, r *http.Request) {
	if a.deps.Scarcity == nil {
		handleLedgerError(w, r, fmt.Errorf("%w: supply caps apply to collectibles", ledger.ErrWrongVariant))
		return
	}
	tag, err := ledger.TagFromString(r.PathValue("tag"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Scarcity.Supply(r.Context(), tag))
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.setPaused(w, r, true)
}

func (a *API) handleUnpause(w http.ResponseWriter, r *http.Request) {
	a.setPaused(w, r, false)
}

func (a *API) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	who, err := caller(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if paused {
		err = a.deps.Gate.Pause(r.Context(), who)
	} else {
		err = a.deps.Gate.Unpause(r.Context(), who)
	}
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: a.deps.Gate.State(r.Context()).String()})
}

func (a *API) handleRoleMembers(w http.ResponseWriter, r *http.Request) {
	role, err := roles.ParseRole(r.PathValue("role"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.writeRole(w, r, role)
}

func (a *API) handleRoleGrant(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, a.deps.Roles.Grant)
}

func (a *API) handleRoleRevoke(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, a.deps.Roles.Revoke)
}

func (a *API) changeRole(w http.ResponseWriter, r *http.Request, apply func(context.Context, common.Address, roles.Role, common.Address) error) {
	who, err := caller(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	role, err := roles.ParseRole(r.PathValue("role"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	var body accountRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	account, err := parseAddress("account", body.Account)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if err := apply(r.Context(), who, role, account); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.writeRole(w, r, role)
}

func (a *API) handleRoleRenounce(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	role, err := roles.ParseRole(r.PathValue("role"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if err := a.deps.Roles.Renounce(r.Context(), who, role); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.writeRole(w, r, role)
}

func (a *API) writeRole(w http.ResponseWriter, r *http.Request, role roles.Role) {
	members, err := a.deps.Roles.Members(r.Context(), role)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	resp := roleResponse{Role: role, Members: make([]string, len(members))}
	for i, m := range members {
		resp.Members[i] = m.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePermitNonce(w http.ResponseWriter, r *http.Request) {
	who, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonceResponse{
		Address: who.Hex(),
		Nonce:   a.deps.Permits.Nonce(r.Context(), who),
	})
}

func (a *API) handlePermitDomain(w http.ResponseWriter, r *http.Request) {
	variant := a.deps.Ledger.Variant()
	writeJSON(w, http.StatusOK, domainResponse{
		Domain:    a.deps.Permits.Domain(),
		Separator: a.deps.Permits.DomainSeparator().Hex(),
		Variant:   variant,
		Type:      permit.TypeString(variant),
	})
}
