package providers

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"mailsync/internal/models"

	// 注册常见字符集解码器
	_ "github.com/emersion/go-message/charset"
)

// IMAPProvider 基于IMAP协议的邮件服务适配器
// 消息标识编码为 "<folder>#<uid>"，同步标记编码为 "v<uidvalidity>:n<uidnext>"
type IMAPProvider struct {
	account   *models.EmailAccount
	client    *client.Client
	connected bool
	mutex     sync.Mutex
}

// NewIMAPProvider 创建IMAP提供商实例
func NewIMAPProvider(account *models.EmailAccount) *IMAPProvider {
	return &IMAPProvider{account: account}
}

// IMAPFactory IMAP提供商工厂
type IMAPFactory struct{}

// NewIMAPFactory 创建IMAP提供商工厂
func NewIMAPFactory() *IMAPFactory {
	return &IMAPFactory{}
}

// ProviderFor 为指定账户创建提供商实例
func (f *IMAPFactory) ProviderFor(account *models.EmailAccount) (MailProvider, error) {
	if account.IMAPHost == "" {
		return nil, NewProtocolError(account.Provider, "account has no IMAP host configured", nil)
	}
	return NewIMAPProvider(account), nil
}

// ensureConnected 确保连接可用，必要时建立连接并登录
func (p *IMAPProvider) ensureConnected(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.connected && p.client != nil {
		return nil
	}

	addr := net.JoinHostPort(p.account.IMAPHost, strconv.Itoa(p.account.IMAPPort))

	var c *client.Client
	var err error

	switch strings.ToLower(p.account.IMAPSecurity) {
	case "starttls":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(&tls.Config{ServerName: p.account.IMAPHost})
		}
	default:
		c, err = client.DialTLS(addr, &tls.Config{ServerName: p.account.IMAPHost})
	}
	if err != nil {
		return NewConnectionError(p.account.Provider, fmt.Sprintf("failed to connect to %s", addr), err)
	}

	if err := c.Login(p.account.Username, p.account.Password); err != nil {
		c.Logout()
		return NewAuthError(p.account.Provider, "login failed", err)
	}

	p.client = c
	p.connected = true
	return nil
}

// Close 释放连接资源
func (p *IMAPProvider) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.connected || p.client == nil {
		return nil
	}

	err := p.client.Logout()
	p.client = nil
	p.connected = false
	return err
}

// ListFolders 列出服务端文件夹
func (p *IMAPProvider) ListFolders(ctx context.Context) ([]*RemoteFolder, error) {
	if err := p.ensureConnected(ctx); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 20)
	done := make(chan error, 1)
	go func() {
		done <- p.client.List("", "*", mailboxes)
	}()

	var folders []*RemoteFolder
	for mbox := range mailboxes {
		selectable := true
		for _, attr := range mbox.Attributes {
			if attr == imap.NoSelectAttr {
				selectable = false
			}
		}

		folders = append(folders, &RemoteFolder{
			ID:         mbox.Name,
			Name:       mbox.Name,
			Type:       classifyFolder(mbox),
			Delimiter:  mbox.Delimiter,
			Selectable: selectable,
		})
	}

	if err := <-done; err != nil {
		return nil, Classify(err, p.account.Provider)
	}

	return folders, nil
}

// classifyFolder 根据IMAP属性和名称推断文件夹类型
func classifyFolder(mbox *imap.MailboxInfo) string {
	for _, attr := range mbox.Attributes {
		switch attr {
		case imap.SentAttr:
			return models.FolderTypeSent
		case imap.DraftsAttr:
			return models.FolderTypeDrafts
		case imap.TrashAttr:
			return models.FolderTypeTrash
		case imap.JunkAttr:
			return models.FolderTypeSpam
		}
	}

	switch strings.ToUpper(mbox.Name) {
	case "INBOX":
		return models.FolderTypeInbox
	case "SENT", "SENT MESSAGES", "SENT ITEMS":
		return models.FolderTypeSent
	case "DRAFTS":
		return models.FolderTypeDrafts
	case "TRASH", "DELETED MESSAGES":
		return models.FolderTypeTrash
	case "JUNK", "SPAM":
		return models.FolderTypeSpam
	}
	return models.FolderTypeCustom
}

// ListMessages 分页列出文件夹内的消息头，从最新的UID向旧分页
func (p *IMAPProvider) ListMessages(ctx context.Context, folderID string, pageSize int, pageToken string) (*MessagePage, error) {
	if err := p.ensureConnected(ctx); err != nil {
		return nil, err
	}

	status, err := p.client.Status(folderID, []imap.StatusItem{imap.StatusUidNext, imap.StatusUidValidity})
	if err != nil {
		return nil, Classify(err, p.account.Provider)
	}

	var high uint32
	if pageToken == "" {
		high = status.UidNext - 1
	} else {
		validity, uid, err := parsePageToken(pageToken)
		if err != nil {
			return nil, NewDataFormatError(p.account.Provider, "malformed page token", err)
		}
		// 翻页期间UIDVALIDITY变化意味着之前抓取的UID全部失效
		if validity != status.UidValidity {
			return nil, NewMarkerExpiredError(p.account.Provider, pageToken)
		}
		high = uid
	}

	if high < 1 || status.UidNext <= 1 {
		return &MessagePage{}, nil
	}

	low := uint32(1)
	if high > uint32(pageSize) {
		low = high - uint32(pageSize) + 1
	}

	messages, err := p.fetchHeaders(ctx, folderID, low, high)
	if err != nil {
		return nil, err
	}

	page := &MessagePage{Messages: messages}
	if low > 1 {
		page.NextPageToken = fmt.Sprintf("v%d:u%d", status.UidValidity, low-1)
	}
	return page, nil
}

// GetSyncMarker 获取当前同步标记
func (p *IMAPProvider) GetSyncMarker(ctx context.Context, folderID string) (string, error) {
	if err := p.ensureConnected(ctx); err != nil {
		return "", err
	}

	status, err := p.client.Status(folderID, []imap.StatusItem{imap.StatusUidNext, imap.StatusUidValidity})
	if err != nil {
		return "", Classify(err, p.account.Provider)
	}

	return formatMarker(status.UidValidity, status.UidNext), nil
}

// ListChanges 列出自marker以来新增的消息
// IMAP在没有QRESYNC扩展时无法枚举删除事件，删除的消息
// 由下一次显式全量同步收敛；这里只报告新到达的UID区间
func (p *IMAPProvider) ListChanges(ctx context.Context, folderID, marker, pageToken string, pageSize int) (*ChangePage, error) {
	if err := p.ensureConnected(ctx); err != nil {
		return nil, err
	}

	markerValidity, markerNext, err := parseMarker(marker)
	if err != nil {
		return nil, NewDataFormatError(p.account.Provider, "malformed sync marker", err)
	}

	status, err := p.client.Status(folderID, []imap.StatusItem{imap.StatusUidNext, imap.StatusUidValidity})
	if err != nil {
		return nil, Classify(err, p.account.Provider)
	}

	if status.UidValidity != markerValidity {
		return nil, NewMarkerExpiredError(p.account.Provider, marker)
	}

	start := markerNext
	if pageToken != "" {
		uid, err := strconv.ParseUint(strings.TrimPrefix(pageToken, "u"), 10, 32)
		if err != nil {
			return nil, NewDataFormatError(p.account.Provider, "malformed change page token", err)
		}
		start = uint32(uid)
	}

	newMarker := formatMarker(status.UidValidity, status.UidNext)

	if status.UidNext <= start {
		return &ChangePage{NewMarker: newMarker}, nil
	}

	end := status.UidNext - 1
	chunkEnd := end
	if chunkEnd-start+1 > uint32(pageSize) {
		chunkEnd = start + uint32(pageSize) - 1
	}

	messages, err := p.fetchHeaders(ctx, folderID, start, chunkEnd)
	if err != nil {
		return nil, err
	}

	page := &ChangePage{AddedOrUpdated: messages}
	if chunkEnd < end {
		page.NextPageToken = fmt.Sprintf("u%d", chunkEnd+1)
	} else {
		page.NewMarker = newMarker
	}
	return page, nil
}

// fetchHeaders 抓取UID区间内的消息头
func (p *IMAPProvider) fetchHeaders(ctx context.Context, folderID string, low, high uint32) ([]*RemoteMessage, error) {
	if _, err := p.client.Select(folderID, true); err != nil {
		return nil, Classify(err, p.account.Provider)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(low, high)

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchBodyStructure,
		imap.FetchFlags,
		imap.FetchRFC822Size,
		imap.FetchUid,
	}

	messages := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() {
		done <- p.client.UidFetch(seqSet, items, messages)
	}()

	var result []*RemoteMessage
	for msg := range messages {
		remote := p.convertMessage(folderID, msg)
		if remote == nil {
			// 格式异常的单条消息跳过，不中断整批
			log.Printf("Skipping malformed message in folder %s", folderID)
			continue
		}
		result = append(result, remote)
	}

	if err := <-done; err != nil {
		return nil, Classify(err, p.account.Provider)
	}

	return result, nil
}

// convertMessage 将IMAP消息转换为RemoteMessage
func (p *IMAPProvider) convertMessage(folderID string, msg *imap.Message) *RemoteMessage {
	if msg == nil || msg.Envelope == nil {
		return nil
	}

	remote := &RemoteMessage{
		ID:        formatMessageID(folderID, msg.Uid),
		MessageID: msg.Envelope.MessageId,
		Subject:   msg.Envelope.Subject,
		Date:      msg.Envelope.Date,
		Labels:    []string{folderID}, // IMAP消息只属于所在文件夹
		Size:      int64(msg.Size),
	}

	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		remote.From = &RemoteAddress{
			Name:    from.PersonalName,
			Address: from.Address(),
		}
	}
	for _, to := range msg.Envelope.To {
		remote.To = append(remote.To, RemoteAddress{
			Name:    to.PersonalName,
			Address: to.Address(),
		})
	}

	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			remote.IsRead = true
		case imap.FlaggedFlag:
			remote.IsStarred = true
		case imap.DraftFlag:
			remote.IsDraft = true
		}
	}

	if msg.BodyStructure != nil {
		counter := 0
		remote.Attachments = collectAttachments(msg.BodyStructure, &counter)
	}

	return remote
}

// collectAttachments 从消息结构中收集附件元信息
// PartID为附件在消息中出现的序号，与按需下载时的遍历顺序一致
func collectAttachments(bs *imap.BodyStructure, counter *int) []RemoteAttachment {
	var result []RemoteAttachment

	if len(bs.Parts) == 0 {
		if strings.EqualFold(bs.Disposition, "attachment") {
			*counter++
			filename, _ := bs.Filename()
			result = append(result, RemoteAttachment{
				PartID:      strconv.Itoa(*counter),
				Filename:    filename,
				ContentType: fmt.Sprintf("%s/%s", strings.ToLower(bs.MIMEType), strings.ToLower(bs.MIMESubType)),
				Size:        int64(bs.Size),
			})
		}
		return result
	}

	for _, part := range bs.Parts {
		result = append(result, collectAttachments(part, counter)...)
	}
	return result
}

// FetchMessage 获取消息完整内容
func (p *IMAPProvider) FetchMessage(ctx context.Context, messageID string) (*MessageContent, error) {
	raw, err := p.fetchRawMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	content := &MessageContent{Size: int64(len(raw))}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, NewDataFormatError(p.account.Provider, "failed to parse message body", err)
	}

	attachmentIndex := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// 单个part解析失败不中断整条消息
			log.Printf("Skipping malformed MIME part in message %s: %v", messageID, err)
			continue
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			contentType, _, _ := header.ContentType()
			switch contentType {
			case "text/plain":
				content.TextBody = string(body)
			case "text/html":
				content.HTMLBody = string(body)
			}
		case *mail.AttachmentHeader:
			attachmentIndex++
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			content.Attachments = append(content.Attachments, RemoteAttachment{
				PartID:      strconv.Itoa(attachmentIndex),
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(data)),
			})
		}
	}

	return content, nil
}

// FetchAttachment 获取附件内容
func (p *IMAPProvider) FetchAttachment(ctx context.Context, messageID, partID string) ([]byte, error) {
	raw, err := p.fetchRawMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, NewDataFormatError(p.account.Provider, "failed to parse message body", err)
	}

	attachmentIndex := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		header, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}

		attachmentIndex++
		filename, _ := header.Filename()
		if strconv.Itoa(attachmentIndex) == partID || filename == partID {
			return io.ReadAll(part.Body)
		}
	}

	return nil, NewDataFormatError(p.account.Provider, fmt.Sprintf("attachment part %s not found", partID), nil)
}

// fetchRawMessage 抓取消息原始内容
func (p *IMAPProvider) fetchRawMessage(ctx context.Context, messageID string) ([]byte, error) {
	folderID, uid, err := parseMessageID(messageID)
	if err != nil {
		return nil, NewDataFormatError(p.account.Provider, "malformed message id", err)
	}

	if err := p.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if _, err := p.client.Select(folderID, true); err != nil {
		return nil, Classify(err, p.account.Provider)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- p.client.UidFetch(seqSet, items, messages)
	}()

	msg := <-messages
	if err := <-done; err != nil {
		return nil, Classify(err, p.account.Provider)
	}
	if msg == nil {
		return nil, NewDataFormatError(p.account.Provider, "server did not return message", nil)
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, NewDataFormatError(p.account.Provider, "server returned no body section", nil)
	}

	return io.ReadAll(body)
}

// MarkRead 标记已读/未读
func (p *IMAPProvider) MarkRead(ctx context.Context, messageID string, read bool) error {
	return p.setFlags(ctx, messageID, []interface{}{imap.SeenFlag}, read)
}

// Star 标记/取消星标
func (p *IMAPProvider) Star(ctx context.Context, messageID string, starred bool) error {
	return p.setFlags(ctx, messageID, []interface{}{imap.FlaggedFlag}, starred)
}

// setFlags 设置或清除消息标志
func (p *IMAPProvider) setFlags(ctx context.Context, messageID string, flags []interface{}, add bool) error {
	folderID, uid, err := parseMessageID(messageID)
	if err != nil {
		return NewDataFormatError(p.account.Provider, "malformed message id", err)
	}

	if err := p.ensureConnected(ctx); err != nil {
		return err
	}

	if _, err := p.client.Select(folderID, false); err != nil {
		return Classify(err, p.account.Provider)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	var op imap.FlagsOp = imap.AddFlags
	if !add {
		op = imap.RemoveFlags
	}
	item := imap.FormatFlagsOp(op, true)

	if err := p.client.UidStore(seqSet, item, flags, nil); err != nil {
		return Classify(err, p.account.Provider)
	}
	return nil
}

// DeleteMessage 删除消息
func (p *IMAPProvider) DeleteMessage(ctx context.Context, messageID string) error {
	folderID, uid, err := parseMessageID(messageID)
	if err != nil {
		return NewDataFormatError(p.account.Provider, "malformed message id", err)
	}

	if err := p.ensureConnected(ctx); err != nil {
		return err
	}

	if _, err := p.client.Select(folderID, false); err != nil {
		return Classify(err, p.account.Provider)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := p.client.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return Classify(err, p.account.Provider)
	}

	if err := p.client.Expunge(nil); err != nil {
		return Classify(err, p.account.Provider)
	}
	return nil
}

// MoveMessage 移动消息到目标文件夹
func (p *IMAPProvider) MoveMessage(ctx context.Context, messageID, targetFolderID string) error {
	folderID, uid, err := parseMessageID(messageID)
	if err != nil {
		return NewDataFormatError(p.account.Provider, "malformed message id", err)
	}

	if err := p.ensureConnected(ctx); err != nil {
		return err
	}

	if _, err := p.client.Select(folderID, false); err != nil {
		return Classify(err, p.account.Provider)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := p.client.UidMove(seqSet, targetFolderID); err != nil {
		return Classify(err, p.account.Provider)
	}
	return nil
}

// SendMessage 发送消息
// IMAP不承载投递，发送需要SMTP传输，由宿主的完整提供商实现
func (p *IMAPProvider) SendMessage(ctx context.Context, msg *OutgoingMessage) error {
	return NewProtocolError(p.account.Provider, "message submission requires an SMTP transport", nil)
}

// SaveDraft 保存草稿到草稿文件夹
func (p *IMAPProvider) SaveDraft(ctx context.Context, msg *OutgoingMessage) (string, error) {
	if err := p.ensureConnected(ctx); err != nil {
		return "", err
	}

	draftsFolder, err := p.findDraftsFolder(ctx)
	if err != nil {
		return "", err
	}

	raw, err := buildDraftMessage(p.account.Email, msg)
	if err != nil {
		return "", NewDataFormatError(p.account.Provider, "failed to build draft message", err)
	}

	if err := p.client.Append(draftsFolder, []string{imap.DraftFlag}, time.Now(), bytes.NewReader(raw)); err != nil {
		return "", Classify(err, p.account.Provider)
	}

	// APPEND不返回新UID，调用方在下一次文件夹同步时收敛草稿状态
	return "", nil
}

// findDraftsFolder 查找草稿文件夹路径
func (p *IMAPProvider) findDraftsFolder(ctx context.Context) (string, error) {
	folders, err := p.ListFolders(ctx)
	if err != nil {
		return "", err
	}

	for _, folder := range folders {
		if folder.Type == models.FolderTypeDrafts {
			return folder.ID, nil
		}
	}
	return "Drafts", nil
}

// buildDraftMessage 构造草稿的RFC822内容
func buildDraftMessage(from string, msg *OutgoingMessage) ([]byte, error) {
	var buf bytes.Buffer

	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(msg.Subject)
	header.SetAddressList("From", []*mail.Address{{Address: from}})

	var to []*mail.Address
	for _, addr := range msg.To {
		to = append(to, &mail.Address{Name: addr.Name, Address: addr.Address})
	}
	header.SetAddressList("To", to)

	mw, err := mail.CreateSingleInlineWriter(&buf, header)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(mw, msg.TextBody); err != nil {
		mw.Close()
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// formatMarker 编码同步标记
func formatMarker(validity, uidNext uint32) string {
	return fmt.Sprintf("v%d:n%d", validity, uidNext)
}

// parseMarker 解析同步标记
func parseMarker(marker string) (validity, uidNext uint32, err error) {
	var v, n uint64
	parts := strings.SplitN(marker, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid marker %q", marker)
	}
	if v, err = strconv.ParseUint(strings.TrimPrefix(parts[0], "v"), 10, 32); err != nil {
		return 0, 0, fmt.Errorf("invalid marker %q: %w", marker, err)
	}
	if n, err = strconv.ParseUint(strings.TrimPrefix(parts[1], "n"), 10, 32); err != nil {
		return 0, 0, fmt.Errorf("invalid marker %q: %w", marker, err)
	}
	return uint32(v), uint32(n), nil
}

// parsePageToken 解析分页令牌
func parsePageToken(token string) (validity, uid uint32, err error) {
	var v, u uint64
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid page token %q", token)
	}
	if v, err = strconv.ParseUint(strings.TrimPrefix(parts[0], "v"), 10, 32); err != nil {
		return 0, 0, fmt.Errorf("invalid page token %q: %w", token, err)
	}
	if u, err = strconv.ParseUint(strings.TrimPrefix(parts[1], "u"), 10, 32); err != nil {
		return 0, 0, fmt.Errorf("invalid page token %q: %w", token, err)
	}
	return uint32(v), uint32(u), nil
}

// formatMessageID 编码消息标识
func formatMessageID(folderID string, uid uint32) string {
	return fmt.Sprintf("%s#%d", folderID, uid)
}

// parseMessageID 解析消息标识
// 文件夹名可能包含'#'，以最后一个分隔符为准
func parseMessageID(messageID string) (folderID string, uid uint32, err error) {
	idx := strings.LastIndex(messageID, "#")
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid message id %q", messageID)
	}
	u, err := strconv.ParseUint(messageID[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	return messageID[:idx], uint32(u), nil
}
