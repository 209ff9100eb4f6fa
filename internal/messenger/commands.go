package messenger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"Messenger/internal/backend"
	"Messenger/internal/directory"
	"Messenger/internal/outbox"
	"Messenger/internal/session"
	"Messenger/internal/timeline"
)

// Run restores the stored session, then reads commands and messages until /quit or EOF
func (m *Messenger) Run(ctx context.Context) error {
	defer m.Close()

	m.println("=== Messenger ===")
	m.println("Type /help for commands, /quit to exit")
	m.println()

	user, err := m.restoreSession(ctx)
	if err != nil {
		m.logger.Error("failed to restore session", "error", err)
	}
	if user != nil {
		m.startSession(ctx, *user)
	} else {
		m.println("Not signed in. Use /login <email> <password> or /register <email> <password> <name>")
	}

	scanner := bufio.NewScanner(m.in)
	for {
		if ctx.Err() != nil {
			break
		}
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := m.handleCommand(ctx, input)
			if err != nil {
				m.printf(color.New(color.FgRed), "Error: %v\n", err)
				m.logger.Error("command error", "command", strings.Fields(input)[0], "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := m.send(ctx, input); err != nil {
			m.printf(color.New(color.FgRed), "Error: %v\n", err)
			m.logger.Error("failed to send message", "error", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	m.println("Goodbye!")
	return nil
}

func (m *Messenger) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	ctx, span := m.tracer.Start(ctx, "command", trace.WithAttributes(attribute.String("command", parts[0])))
	defer span.End()

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/login":
		if len(parts) != 3 {
			return false, fmt.Errorf("usage: /login <email> <password>")
		}
		user, err := m.api.Login(ctx, parts[1], parts[2])
		if errors.Is(err, backend.ErrInvalidCredentials) {
			return false, fmt.Errorf("invalid email or password")
		}
		if err != nil {
			return false, err
		}
		return false, m.switchUser(ctx, user)

	case "/register":
		if len(parts) < 4 {
			return false, fmt.Errorf("usage: /register <email> <password> <name>")
		}
		user, err := m.api.Register(ctx, strings.Join(parts[3:], " "), parts[1], parts[2])
		if errors.Is(err, backend.ErrUserExists) {
			return false, fmt.Errorf("an account with that email already exists")
		}
		if err != nil {
			return false, err
		}
		return false, m.switchUser(ctx, user)

	case "/logout":
		if m.currentUser() == nil {
			return false, session.ErrNotAuthenticated
		}
		if err := m.endSession(ctx, true); err != nil {
			return false, err
		}
		m.println("Signed out")
		return false, nil

	case "/chats":
		if m.currentUser() == nil {
			return false, session.ErrNotAuthenticated
		}
		return false, m.listConversations(ctx)

	case "/open":
		if len(parts) != 2 {
			return false, fmt.Errorf("usage: /open <number>")
		}
		conv, err := m.conversationAt(parts[1])
		if err != nil {
			return false, err
		}
		return false, m.open(ctx, conv)

	case "/search":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /search <name or email>")
		}
		if m.currentUser() == nil {
			return false, session.ErrNotAuthenticated
		}
		return false, m.search(ctx, strings.Join(parts[1:], " "))

	case "/start":
		if len(parts) != 2 {
			return false, fmt.Errorf("usage: /start <number from /search>")
		}
		return false, m.start(ctx, parts[1])

	case "/reconnect":
		if m.currentUser() == nil {
			return false, session.ErrNotAuthenticated
		}
		if err := m.channel.Reconnect(ctx); err != nil {
			return false, fmt.Errorf("reconnect failed: %w", err)
		}
		return false, nil

	case "/status":
		m.status()
		return false, nil

	case "/help":
		m.println("Available commands:")
		m.println("  /login <email> <password>             - Sign in")
		m.println("  /register <email> <password> <name>   - Create an account and sign in")
		m.println("  /logout                               - Sign out and forget the stored session")
		m.println("  /chats                                - Refresh and list conversations")
		m.println("  /open <n>                             - Open conversation n from /chats")
		m.println("  /search <query>                       - Find people to talk to")
		m.println("  /start <n>                            - Start or open a conversation with result n from /search")
		m.println("  /reconnect                            - Re-open the live channel")
		m.println("  /status                               - Show connection status")
		m.println("  /quit, /exit                          - Exit")
		m.println("Any other text is sent to the open conversation.")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", parts[0])
	}
}

// switchUser replaces the current session with user, persisting it
func (m *Messenger) switchUser(ctx context.Context, user session.User) error {
	if m.currentUser() != nil {
		if err := m.endSession(ctx, false); err != nil {
			return err
		}
	}
	if err := m.store.Save(ctx, user); err != nil {
		return err
	}
	m.startSession(ctx, user)
	return nil
}

func (m *Messenger) listConversations(ctx context.Context) error {
	user := m.currentUser()
	if user == nil {
		return session.ErrNotAuthenticated
	}

	convs, err := m.directory.List(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		m.println("No conversations yet. Use /search to find someone.")
		return nil
	}

	m.outMu.Lock()
	defer m.outMu.Unlock()

	selected := m.timeline.Selected()
	table := tablewriter.NewWriter(m.out)
	table.SetHeader([]string{"#", "Conversation", "Unread", ""})
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	for i, conv := range convs {
		unread := ""
		if n := m.router.Unread(conv.ID); n > 0 {
			unread = strconv.Itoa(n)
		}
		marker := ""
		if conv.ID == selected {
			marker = "(open)"
		}
		table.Append([]string{strconv.Itoa(i + 1), conv.DisplayName, unread, marker})
	}
	table.Render()
	return nil
}

func (m *Messenger) conversationAt(arg string) (directory.Conversation, error) {
	if m.currentUser() == nil {
		return directory.Conversation{}, session.ErrNotAuthenticated
	}
	convs := m.directory.Conversations()
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(convs) {
		return directory.Conversation{}, fmt.Errorf("no conversation %q (see /chats)", arg)
	}
	return convs[n-1], nil
}

// open selects conv in the timeline and prints its history
func (m *Messenger) open(ctx context.Context, conv directory.Conversation) error {
	m.mu.Lock()
	m.printed = make(map[string]struct{})
	m.mu.Unlock()

	m.printf(color.New(color.Bold), "--- %s ---\n", conv.DisplayName)
	m.router.MarkRead(conv.ID)

	if err := m.timeline.Select(ctx, conv.ID); err != nil {
		if errors.Is(err, timeline.ErrHistoryFetchFailed) {
			return fmt.Errorf("could not load history for %s; new messages will still appear", conv.DisplayName)
		}
		return err
	}
	if len(m.timeline.Messages()) == 0 {
		m.println("(no messages in the last", m.config.Timeline.Window.String()+")")
	}
	return nil
}

func (m *Messenger) search(ctx context.Context, query string) error {
	profiles, err := m.directory.Search(ctx, query)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSearch = profiles
	m.mu.Unlock()

	if len(profiles) == 0 {
		m.println("No users found")
		return nil
	}

	m.outMu.Lock()
	defer m.outMu.Unlock()

	table := tablewriter.NewWriter(m.out)
	table.SetHeader([]string{"#", "Name", "Email"})
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	for i, p := range profiles {
		table.Append([]string{strconv.Itoa(i + 1), p.Name, p.Email})
	}
	table.Render()
	return nil
}

func (m *Messenger) start(ctx context.Context, arg string) error {
	user := m.currentUser()
	if user == nil {
		return session.ErrNotAuthenticated
	}

	m.mu.Lock()
	results := m.lastSearch
	m.mu.Unlock()

	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(results) {
		return fmt.Errorf("no search result %q (see /search)", arg)
	}

	conv, err := m.directory.StartOrFind(ctx, user.ID, results[n-1])
	if err != nil {
		return err
	}
	return m.open(ctx, conv)
}

// send submits text to the open conversation
func (m *Messenger) send(ctx context.Context, text string) error {
	user := m.currentUser()
	if user == nil {
		return session.ErrNotAuthenticated
	}
	conv := m.timeline.Selected()
	if conv == "" {
		return fmt.Errorf("no conversation open (use /chats and /open)")
	}

	_, err := m.outbox.Submit(ctx, conv, text, *user)
	if errors.Is(err, outbox.ErrEmptyContent) {
		return nil
	}
	return err
}

func (m *Messenger) status() {
	user := m.currentUser()
	if user == nil {
		m.println("Not signed in")
	} else {
		m.println("Signed in as", user.Name, "("+user.ID+")")
	}

	line := "Live channel: " + m.channel.State().String()
	if ep := m.resolver.Last(); ep.Address != "" {
		line += " via " + ep.Address
	}
	if n := m.channel.Tracked(); n > 0 {
		line += fmt.Sprintf(" (%d recent frames tracked)", n)
	}
	m.println(line)

	if conv := m.timeline.Selected(); conv != "" {
		name := conv
		if c, ok := m.directory.Find(conv); ok {
			name = c.DisplayName
		}
		if m.timeline.Loading() {
			name += " (loading history)"
		}
		m.println("Open conversation:", name)
	}
}
