package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/onkernel/chat-bridge/lib/logger"
	"github.com/onkernel/chat-bridge/lib/session"
)

const (
	cmdRegister          = "register"
	cmdStart             = "start"
	cmdStop              = "stop"
	cmdDisconnect        = "disconnect"
	cmdLogin             = "login"
	cmdCancelLogin       = "cancel_login"
	cmdSend              = "send"
	cmdSendFile          = "send_file"
	cmdSetLastMessageIDs = "set_last_message_ids"
	cmdGetChats          = "get_chats"
	cmdGetChat           = "get_chat"
	cmdGetMessages       = "get_messages"
	cmdIsConnected       = "is_connected"
	cmdPause             = "pause"
	cmdResume            = "resume"
	cmdGetOwnProfile     = "get_own_profile"
	cmdGetContacts       = "get_contacts"
	cmdReadImage         = "read_image"
	cmdForgetChat        = "forget_chat"
)

type sessionHandler func(ctx context.Context, sess Session, req Request) (any, error)

// sessionHandlers need a started session of the registered user.
var sessionHandlers = map[string]sessionHandler{
	cmdLogin:             handleLogin,
	cmdCancelLogin:       handleCancelLogin,
	cmdSend:              handleSend,
	cmdSendFile:          handleSendFile,
	cmdSetLastMessageIDs: handleSetLastMessageIDs,
	cmdGetChats:          handleGetChats,
	cmdGetChat:           handleGetChat,
	cmdGetMessages:       handleGetMessages,
	cmdIsConnected:       handleIsConnected,
	cmdPause:             handlePause,
	cmdResume:            handleResume,
	cmdGetOwnProfile:     handleGetOwnProfile,
	cmdGetContacts:       handleGetContacts,
	cmdReadImage:         handleReadImage,
	cmdForgetChat:        handleForgetChat,
}

var knownCommands = append(lo.Keys(sessionHandlers), cmdRegister, cmdStart, cmdStop, cmdDisconnect)

// metricCommand bounds the label set to known commands.
func metricCommand(command string) string {
	if lo.Contains(knownCommands, command) {
		return command
	}
	return "unknown"
}

func (c *conn) dispatch(ctx context.Context, req Request) (any, error) {
	if req.Command == cmdRegister {
		return c.handleRegister(req)
	}
	user, err := c.requireUser()
	if err != nil {
		return nil, err
	}

	switch req.Command {
	case cmdStart:
		return c.handleStart(ctx, user, req)
	case cmdStop:
		return c.handleStop(ctx, user)
	case cmdDisconnect:
		// the socket is closed once the response is written
		logger.FromContext(ctx).Info("consumer requested disconnect")
		return nil, nil
	}

	h, ok := sessionHandlers[req.Command]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownCommand, req.Command)
	}
	sess, ok := c.server.session(user)
	if !ok {
		return nil, ErrNoSession
	}
	return h(ctx, sess, req)
}

func (c *conn) handleRegister(req Request) (any, error) {
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, errors.New("register requires user_id")
	}
	if current := c.user(); current != "" && current != p.UserID {
		return nil, fmt.Errorf("connection already registered as %s", current)
	}
	exists := c.server.register(c, p.UserID)
	c.markRegistered(p.UserID)
	c.logger.Info("registered", "user", p.UserID, "client_exists", exists)
	return map[string]bool{"client_exists": exists}, nil
}

func (c *conn) handleStart(ctx context.Context, user string, req Request) (any, error) {
	var p struct {
		Debug bool `json:"debug"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	sess := c.server.sessionFor(user)
	status, err := sess.Start(ctx, p.Debug)
	if err != nil {
		// a concurrent start may have succeeded; keep a running session reachable
		if !sess.Info().Started {
			c.server.dropSession(user, sess)
		}
		return nil, err
	}
	return status, nil
}

func (c *conn) handleStop(ctx context.Context, user string) (any, error) {
	sess, ok := c.server.session(user)
	if !ok {
		return nil, nil
	}
	c.server.dropSession(user, sess)
	return nil, sess.Stop(ctx)
}

func handleLogin(ctx context.Context, sess Session, req Request) (any, error) {
	var p struct {
		LoginType session.LoginMethod `json:"login_type"`
		LoginData session.LoginData   `json:"login_data"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	outcome, err := sess.Login(ctx, p.LoginType, p.LoginData)
	if err != nil {
		return nil, err
	}
	return map[string]string{"outcome": string(outcome)}, nil
}

func handleCancelLogin(ctx context.Context, sess Session, _ Request) (any, error) {
	return nil, sess.CancelLogin(ctx)
}

type chatParams struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	FilePath  string `json:"file_path"`
	ForceView bool   `json:"force_view"`
	ImageURL  string `json:"image_url"`
}

func decodeChat(req Request) (chatParams, error) {
	var p chatParams
	if err := req.Decode(&p); err != nil {
		return p, err
	}
	if p.ChatID == "" && req.Command != cmdReadImage {
		return p, fmt.Errorf("%s requires chat_id", req.Command)
	}
	return p, nil
}

func handleSend(ctx context.Context, sess Session, req Request) (any, error) {
	p, err := decodeChat(req)
	if err != nil {
		return nil, err
	}
	id, err := sess.SendMessage(ctx, p.ChatID, p.Text)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"id": id}, nil
}

func handleSendFile(ctx context.Context, sess Session, req Request) (any, error) {
	p, err := decodeChat(req)
	if err != nil {
		return nil, err
	}
	id, err := sess.SendFile(ctx, p.ChatID, p.FilePath)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"id": id}, nil
}

func handleSetLastMessageIDs(_ context.Context, sess Session, req Request) (any, error) {
	var p struct {
		MsgIDs    map[string]int64         `json:"msg_ids"`
		OwnMsgIDs map[string]int64         `json:"own_msg_ids"`
		RctIDs    map[string]map[int]int64 `json:"rct_ids"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	sess.SetLastMessageIDs(p.MsgIDs, p.OwnMsgIDs, p.RctIDs)
	return nil, nil
}

func handleGetChats(ctx context.Context, sess Session, _ Request) (any, error) {
	return sess.GetRecentChats(ctx)
}

func handleGetChat(ctx context.Context, sess Session, req Request) (any, error) {
	p, err := decodeChat(req)
	if err != nil {
		return nil, err
	}
	return sess.GetChatInfo(ctx, p.ChatID, p.ForceView)
}

func handleGetMessages(ctx context.Context, sess Session, req Request) (any, error) {
	p, err := decodeChat(req)
	if err != nil {
		return nil, err
	}
	return sess.GetMessages(ctx, p.ChatID)
}

func handleIsConnected(ctx context.Context, sess Session, _ Request) (any, error) {
	ok, err := sess.IsConnected(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"is_connected": ok}, nil
}

func handlePause(_ context.Context, sess Session, _ Request) (any, error) {
	sess.Pause()
	return nil, nil
}

func handleResume(_ context.Context, sess Session, _ Request) (any, error) {
	sess.Resume()
	return nil, nil
}

func handleGetOwnProfile(ctx context.Context, sess Session, _ Request) (any, error) {
	return sess.GetOwnProfile(ctx)
}

func handleGetContacts(ctx context.Context, sess Session, _ Request) (any, error) {
	return sess.GetContacts(ctx)
}

func handleReadImage(ctx context.Context, sess Session, req Request) (any, error) {
	p, err := decodeChat(req)
	if err != nil {
		return nil, err
	}
	if p.ImageURL == "" {
		return nil, errors.New("read_image requires image_url")
	}
	return sess.ReadImage(ctx, p.ImageURL)
}

func handleForgetChat(ctx context.Context, sess Session, req Request) (any, error) {
	p, err := decodeChat(req)
	if err != nil {
		return nil, err
	}
	return nil, sess.ForgetChat(ctx, p.ChatID)
}
