package core

// prompts.go defines the Persian language prompts used by the chat and
// case extraction components.

const (
	// SystemPrompt instructs the assistant to reply empathetically, ask one
	// short follow-up question at a time, and cover the intake topics.
	SystemPrompt = "شما یک دستیار گفت‌وگوی پزشکی دوستانه هستید. فقط به زبان فارسی پاسخ دهید. " +
		"هدف شما کمک به بیمار برای شرح مشکل اصلی و جمع‌آوری اطلاعات مهم است، بدون تشخیص قطعی یا توصیه درمانی. " +
		"هر بار فقط یک پرسش کوتاه بپرسید و لحن همدلانه داشته باشید. موضوعاتی که به‌تدریج پوشش می‌دهید: مشکل اصلی و مدت آن، شرح حال فعلی، داروها و دوز، حساسیت‌ها، سوابق پزشکی/جراحی، سوابق خانوادگی، سبک زندگی (سیگار/الکل/شغل)، و ارزیابی کوتاه (مقیاس درد ۰ تا ۱۰، چند پرسش خلق‌و‌اضطراب). حداکثر از ساده‌ترین واژه‌ها استفاده کنید."

	// FirstMessage greets the patient when a conversation starts.
	FirstMessage = "سلام! خوش آمدید 🌿 لطفاً در یک جمله بفرمایید مشکل اصلی شما چیست و از چه زمانی شروع شده است؟"

	// FallbackReply is returned to the patient when the LLM call fails.
	FallbackReply = "از توضیحات شما متشکرم. لطفاً کمی بیشتر دربارهٔ مشکل خود بگویید."

	// CaseExtractionInstruction asks for a single JSON object matching
	// MedicalCase.  Durations are normalised and unknown fields left empty.
	CaseExtractionInstruction = "فقط فارسی. از کل گفت‌وگو فقط یک شیء JSON بساز با کلیدهای " +
		"chief_complaint (رشته)، medical_history (رشته)، medications (رشته، نام/دوز/نوبت)، " +
		"urgency_level (یکی از low، medium، high، emergency) و symptoms (نگاشت نام علامت به شرح کوتاه). " +
		"اگر داده‌ای نامشخص بود، مقدار را خالی بگذار. مدت زمان‌ها را نرمال کنید (مثل ‘۳ روز’). آلرژی دارویی را در medical_history برجسته کنید. هیچ متن دیگری ننویس."

	// CapMessage is sent when the patient exceeds the message cap for a
	// session.
	CapMessage = "به سقف تعداد پیام‌ها برای این نوبت رسیدیم. ممنون از توضیحات شما. پزشک خلاصه‌ی گفت‌وگو را مشاهده می‌کند."
)
