package workerclient

import (
	"context"
	"encoding/json"
	"log"

	"github.com/coderelay/server/internal/agent"
	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relayerr"
)

// dispatch runs one relay-issued operation and always answers with a
// correlated rpc:response.
func (c *Client) dispatch(ctx context.Context, op string, req protocol.RPCRequest) {
	result, err := c.invoke(ctx, op, req.Params)
	resp := protocol.RPCResponse{RequestID: req.RequestID}
	if err != nil {
		resp.Error = relayerr.ToWire(err)
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = relayerr.ToWire(relayerr.Internal("encode result", merr))
		} else {
			resp.Result = raw
		}
	}
	if err := c.send(protocol.TypeRPCResponse, resp); err != nil {
		log.Printf("workerclient: respond to %s failed: %v", op, err)
	}
}

func decodeParams[T any](raw json.RawMessage) (*T, error) {
	var params T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, relayerr.Invalid("malformed params")
		}
	}
	if v, ok := any(&params).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return &params, nil
}

func (c *Client) invoke(ctx context.Context, op string, raw json.RawMessage) (any, error) {
	switch op {
	case protocol.OpCreateSession:
		params, err := decodeParams[protocol.CreateSessionParams](raw)
		if err != nil {
			return nil, err
		}
		return c.orch.CreateSession(ctx, *params)

	case protocol.OpCloseSession:
		params, err := decodeParams[protocol.SessionRefParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, c.orch.CloseSession(ctx, params.SessionID)

	case protocol.OpCancelSession:
		params, err := decodeParams[protocol.SessionRefParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, c.orch.CancelSession(ctx, params.SessionID)

	case protocol.OpArchiveSession:
		params, err := decodeParams[protocol.SessionRefParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, c.orch.ArchiveSession(ctx, params.SessionID)

	case protocol.OpArchiveAll:
		params, err := decodeParams[protocol.ArchiveAllParams](raw)
		if err != nil {
			return nil, err
		}
		count := c.orch.ArchiveAll(ctx, params.SessionIDs)
		return protocol.ArchiveAllResult{ArchivedCount: count}, nil

	case protocol.OpSetSessionMode:
		params, err := decodeParams[protocol.SetModeParams](raw)
		if err != nil {
			return nil, err
		}
		return c.orch.SetSessionMode(ctx, params.SessionID, params.ModeID)

	case protocol.OpSetSessionModel:
		params, err := decodeParams[protocol.SetModelParams](raw)
		if err != nil {
			return nil, err
		}
		return c.orch.SetSessionModel(ctx, params.SessionID, params.ModelID)

	case protocol.OpSendMessage:
		params, err := decodeParams[protocol.SendMessageParams](raw)
		if err != nil {
			return nil, err
		}
		return c.orch.SendMessage(ctx, *params)

	case protocol.OpResolvePermission:
		params, err := decodeParams[protocol.ResolvePermissionParams](raw)
		if err != nil {
			return nil, err
		}
		outcome := agent.PermissionOutcome{Outcome: params.Outcome, OptionID: params.OptionID}
		return nil, c.orch.ResolvePermissionRequest(params.SessionID, params.RequestID, outcome)

	case protocol.OpFSList:
		params, err := decodeParams[protocol.FSPathParams](raw)
		if err != nil {
			return nil, err
		}
		return c.fsList(params)

	case protocol.OpFSRead:
		params, err := decodeParams[protocol.FSPathParams](raw)
		if err != nil {
			return nil, err
		}
		return c.fsRead(params)

	case protocol.OpGitStatus:
		params, err := decodeParams[protocol.GitParams](raw)
		if err != nil {
			return nil, err
		}
		return c.gitStatus(ctx, params)

	case protocol.OpGitDiff:
		params, err := decodeParams[protocol.GitParams](raw)
		if err != nil {
			return nil, err
		}
		return c.gitDiff(ctx, params)

	case protocol.OpDiscoverSessions:
		return c.orch.DiscoverSessions(), nil

	case protocol.OpLoadSession:
		params, err := decodeParams[protocol.SessionRefParams](raw)
		if err != nil {
			return nil, err
		}
		return c.orch.LoadSession(params.SessionID)

	case protocol.OpReloadSession:
		params, err := decodeParams[protocol.SessionRefParams](raw)
		if err != nil {
			return nil, err
		}
		return c.orch.ReloadSession(params.SessionID)
	}
	return nil, relayerr.Invalid("unknown operation " + op)
}
